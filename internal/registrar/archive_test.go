package registrar

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T, retentionDays int) *Archive {
	t.Helper()
	a, err := OpenArchive(t.TempDir(), retentionDays)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAppendAndReadDayInOrder(t *testing.T) {
	a := newTestArchive(t, 30)
	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		appended, err := a.Append(ts, fmt.Sprintf("id-%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		assert.True(t, appended)
	}

	events, err := a.ReadDay("2026-08-25")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, data := range events {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(data))
	}
}

func TestAppendIdempotentPerMessageID(t *testing.T) {
	a := newTestArchive(t, 30)
	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	appended, err := a.Append(ts, "dup", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.True(t, appended)

	appended, err = a.Append(ts, "dup", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.False(t, appended, "same id within a day is skipped")

	events, err := a.ReadDay("2026-08-25")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDailyRotation(t *testing.T) {
	a := newTestArchive(t, 30)

	d1 := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	d2 := time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC)
	_, err := a.Append(d1, "a", []byte(`{"day":1}`))
	require.NoError(t, err)
	_, err = a.Append(d2, "b", []byte(`{"day":2}`))
	require.NoError(t, err)

	days, err := a.Days()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-24", "2026-08-25"}, days)

	first, err := a.ReadDay("2026-08-24")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.JSONEq(t, `{"day":1}`, string(first[0]))
}

func TestSweepRemovesExpiredDays(t *testing.T) {
	a := newTestArchive(t, 7)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	_, err := a.Append(now.AddDate(0, 0, -10), "old", []byte(`{"old":true}`))
	require.NoError(t, err)
	_, err = a.Append(now, "new", []byte(`{"new":true}`))
	require.NoError(t, err)

	removed, err := a.Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, []string{"memory_2026-08-15.db"}, removed)

	days, err := a.Days()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-25"}, days)

	// A second sweep has nothing left to do.
	removed, err = a.Sweep(now)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestReadDayWithoutFile(t *testing.T) {
	a := newTestArchive(t, 30)
	events, err := a.ReadDay("1999-01-01")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestBackupSnapshotsOpenDay(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(dir, 30)
	require.NoError(t, err)
	defer a.Close()

	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err = a.Append(ts, "a", []byte(`{"n":1}`))
	require.NoError(t, err)

	dst := filepath.Join(dir, "snap.db")
	written, err := a.Backup(dst)
	require.NoError(t, err)
	assert.Greater(t, written, int64(0))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, written, info.Size())
}

func TestBackupSingleFlight(t *testing.T) {
	a := newTestArchive(t, 30)
	a.backing.Store(true)

	_, err := a.Backup(filepath.Join(t.TempDir(), "snap.db"))
	assert.ErrorIs(t, err, ErrBackupInFlight)
}

func TestBackupWithoutOpenDayIsNoOp(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(dir, 30)
	require.NoError(t, err)
	defer a.Close()

	written, err := a.Backup(filepath.Join(dir, "snap.db"))
	require.NoError(t, err)
	assert.Zero(t, written)
	_, err = os.Stat(filepath.Join(dir, "snap.db"))
	assert.True(t, os.IsNotExist(err))
}
