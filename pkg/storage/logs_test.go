package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLog(t *testing.T) {
	db := openTestDB(t, 0)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	e := &LogEntry{Timestamp: ts, Severity: SeverityWarning, DeviceID: "conn-1", Message: "device not responding"}
	require.NoError(t, db.AppendLog(e))
	assert.NotZero(t, e.ID)

	entries, err := db.RecentLogs(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e, entries[0])
}

func TestAppendLogDefaultsTimestamp(t *testing.T) {
	db := openTestDB(t, 0)

	e := &LogEntry{Severity: SeverityInfo, Message: "host started"}
	require.NoError(t, db.AppendLog(e))
	assert.False(t, e.Timestamp.IsZero())
}

func TestLogIsCapped(t *testing.T) {
	db := openTestDB(t, 5)

	for i := 0; i < 12; i++ {
		require.NoError(t, db.AppendLog(&LogEntry{Severity: SeverityInfo, Message: fmt.Sprintf("entry %d", i)}))
	}

	entries, err := db.RecentLogs(0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "entry 11", entries[0].Message, "newest first")
	assert.Equal(t, "entry 7", entries[4].Message)

	entries, err = db.RecentLogs(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = db.RecentLogs(50)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}
