package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/network"
	"github.com/ZentaChain/devlink/pkg/storage"
)

// recorder mirrors connection events into the device registry and the
// capped event log
type recorder struct {
	db     *storage.DeviceDB
	logger *zap.Logger
}

func newRecorder(db *storage.DeviceDB, logger *zap.Logger) *recorder {
	return &recorder{db: db, logger: logger}
}

func (r *recorder) callbacks() network.Callbacks {
	return network.Callbacks{
		OnConnected: func(c *network.Conn) {
			info := c.Info()
			r.save(info)
			r.note(storage.SeverityInfo, info.ID, fmt.Sprintf("Device connected from %s", info.Address))
		},
		OnReady: func(c *network.Conn) {
			r.save(c.Info())
			r.note(storage.SeverityInfo, c.ID(), "Secure session established")
		},
		OnNameUpdated: func(c *network.Conn, name string) {
			r.save(c.Info())
			r.note(storage.SeverityInfo, c.ID(), fmt.Sprintf("Device name set to %q", name))
		},
		OnStateChanged: func(c *network.Conn, state network.ConnectionState) {
			r.save(c.Info())
			severity := storage.SeverityInfo
			if state == network.StateNotResponding {
				severity = storage.SeverityWarning
			}
			r.note(severity, c.ID(), fmt.Sprintf("Connection state changed to %s", state))
		},
		OnData: func(c *network.Conn, payload string) {
			r.note(storage.SeverityInfo, c.ID(), fmt.Sprintf("Data received: %s", payload))
		},
		OnError: func(c *network.Conn, err error) {
			r.note(storage.SeverityError, c.ID(), err.Error())
		},
		OnDeliveryFailed: func(c *network.Conn, id uint16) {
			r.note(storage.SeverityWarning, c.ID(), fmt.Sprintf("Transmission %d was never confirmed", id))
		},
	}
}

func (r *recorder) save(info network.DeviceInfo) {
	rec := &storage.DeviceRecord{
		ID:          info.ID,
		Address:     info.Address,
		Name:        info.Name,
		State:       info.State.String(),
		Handshake:   info.Handshake.String(),
		Fingerprint: info.Fingerprint,
		Online:      info.State != network.StateDisconnected,
		ConnectedAt: info.ConnectedAt,
		LastSeen:    info.LastSeen,
	}
	if err := r.db.UpsertDevice(rec); err != nil {
		r.logger.Error("Failed to record device", zap.String("conn_id", info.ID), zap.Error(err))
	}
}

func (r *recorder) note(severity storage.Severity, deviceID, message string) {
	if err := r.db.AppendLog(&storage.LogEntry{Severity: severity, DeviceID: deviceID, Message: message}); err != nil {
		r.logger.Error("Failed to append log entry", zap.Error(err))
	}
}
