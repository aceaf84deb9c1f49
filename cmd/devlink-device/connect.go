package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/config"
	"github.com/ZentaChain/devlink/pkg/device"
	"github.com/ZentaChain/devlink/pkg/observability"
)

// sender is satisfied by *device.Client and *device.Redialer
type sender interface {
	Send(text string) (uint16, error)
	SendPlain(text string) (uint16, error)
}

func connectCmd() *cobra.Command {
	var (
		configPath string
		address    string
		name       string
		reconnect  bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a host and relay stdin lines as payloads",
		Long: `Connect to a devlink host. Every line read from stdin is sent as an
encrypted payload once the session key is exchanged; lines starting with
"/plain " are sent unencrypted. Payloads from the host are printed to
stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Device.Address = address
			}
			if name != "" {
				cfg.Device.Name = name
			}

			logger, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, reconnect, os.Stdin, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to devlink.yaml")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Host multiaddr (overrides config)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Device name reported to the host (overrides config)")
	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "Redial when the host goes away")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, reconnect bool, stdin io.Reader, stdout io.Writer, logger *zap.Logger) error {
	dcfg := device.Config{
		Name:          cfg.Device.Name,
		QueueInterval: cfg.QueueInterval,
		MaxAttempts:   cfg.MaxAttempts,
		WriteTimeout:  cfg.WriteTimeout,
		MaxFrameSize:  cfg.MaxFrameSize,
	}
	events := device.Events{
		OnKeyExchanged: func() {
			logger.Info("Session key sent", zap.String("name", dcfg.Name))
		},
		OnData: func(payload string) {
			fmt.Fprintln(stdout, payload)
		},
		OnPlainData: func(payload string) {
			fmt.Fprintf(stdout, "(plain) %s\n", payload)
		},
		OnError: func(err error) {
			logger.Warn("Device error", zap.Error(err))
		},
		OnDeliveryFailed: func(id uint16) {
			logger.Warn("Frame not confirmed by host", zap.Uint16("id", id))
		},
	}

	var (
		link sender
		done = make(chan error, 1)
	)
	if reconnect {
		r := device.NewRedialer(cfg.Device.Address, dcfg, events, logger)
		link = r
		go func() { done <- r.Run(ctx) }()
	} else {
		client, err := device.Dial(ctx, cfg.Device.Address, dcfg, events, device.WithLogger(logger))
		if err != nil {
			return err
		}
		defer client.Close()
		link = client
		go func() { done <- client.Run(ctx) }()
	}

	lines := make(chan string)
	go func() {
		s := bufio.NewScanner(stdin)
		for s.Scan() {
			lines <- s.Text()
		}
	}()

	for {
		select {
		case err := <-done:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("host closed the connection")
			}
			return err
		case line := <-lines:
			if err := sendLine(link, line); err != nil {
				logger.Warn("Payload not sent", zap.Error(err))
			}
		}
	}
}

func sendLine(link sender, line string) error {
	if text, ok := strings.CutPrefix(line, "/plain "); ok {
		_, err := link.SendPlain(text)
		return err
	}
	if strings.TrimSpace(line) == "" {
		return nil
	}
	_, err := link.Send(line)
	return err
}
