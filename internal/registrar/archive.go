// Package registrar is the audit trail of record: it archives every
// persisted event to disk, one bbolt file per UTC day, retained for a
// configurable number of days. Replay tooling reads a day back in exactly
// the order it was appended.
package registrar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dayLayout = "2006-01-02"

var (
	bucketEvents = []byte("events")
	bucketIDs    = []byte("ids")

	// ErrBackupInFlight reports a Backup that found another one running.
	ErrBackupInFlight = errors.New("registrar: backup already in flight")

	archiveFileRe = regexp.MustCompile(`^memory_(\d{4}-\d{2}-\d{2})\.db$`)
)

// DayFile returns the archive filename for one UTC day.
func DayFile(day string) string {
	return "memory_" + day + ".db"
}

// Archive is the daily-rotated event store. Append is idempotent per message
// id within a day, so stream redeliveries do not duplicate the trail.
type Archive struct {
	dir       string
	retention int

	mu  sync.Mutex
	db  *bolt.DB
	day string

	backing atomic.Bool
}

// OpenArchive prepares the backup directory. Files are opened lazily as
// events arrive for their day.
func OpenArchive(dir string, retentionDays int) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Archive{dir: dir, retention: retentionDays}, nil
}

// Close releases the open day file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db, a.day = nil, ""
	return err
}

// Append archives one event under the day of ts. It reports whether the
// event was new; an id already present in that day's file is skipped.
func (a *Archive) Append(ts time.Time, id string, data []byte) (bool, error) {
	day := ts.UTC().Format(dayLayout)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.openDayLocked(day); err != nil {
		return false, err
	}

	appended := false
	err := a.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		ids := tx.Bucket(bucketIDs)
		if id != "" && ids.Get([]byte(id)) != nil {
			return nil
		}
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := events.Put(key, data); err != nil {
			return err
		}
		if id != "" {
			if err := ids.Put([]byte(id), key); err != nil {
				return err
			}
		}
		appended = true
		return nil
	})
	return appended, err
}

// openDayLocked rotates the open file when the day changes.
func (a *Archive) openDayLocked(day string) error {
	if a.db != nil && a.day == day {
		return nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return err
		}
		a.db, a.day = nil, ""
	}

	path := filepath.Join(a.dir, DayFile(day))
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIDs)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("prepare archive %s: %w", path, err)
	}
	a.db, a.day = db, day
	return nil
}

// ReadDay returns a day's events in append order. A day with no file yields
// an empty slice.
func (a *Archive) ReadDay(day string) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	db := a.db
	if db == nil || a.day != day {
		path := filepath.Join(a.dir, DayFile(day))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		ro, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", path, err)
		}
		defer ro.Close()
		db = ro
	}

	var out [][]byte
	err := db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if events == nil {
			return nil
		}
		return events.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

// Days lists the archived days on disk, oldest first.
func (a *Archive) Days() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	var days []string
	for _, e := range entries {
		if m := archiveFileRe.FindStringSubmatch(e.Name()); m != nil {
			days = append(days, m[1])
		}
	}
	sort.Strings(days)
	return days, nil
}

// Sweep removes day files older than the retention window and returns the
// removed filenames.
func (a *Archive) Sweep(now time.Time) ([]string, error) {
	cutoff := now.UTC().AddDate(0, 0, -a.retention).Format(dayLayout)

	days, err := a.Days()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, day := range days {
		if day >= cutoff {
			continue
		}
		a.mu.Lock()
		if a.db != nil && a.day == day {
			a.db.Close()
			a.db, a.day = nil, ""
		}
		a.mu.Unlock()

		name := DayFile(day)
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// Backup writes a consistent snapshot of the open day file to dst via a
// temp-and-rename. Backups are single-flight; a concurrent call gets
// ErrBackupInFlight. Backing up an archive with no open day is a no-op.
func (a *Archive) Backup(dst string) (int64, error) {
	if !a.backing.CompareAndSwap(false, true) {
		return 0, ErrBackupInFlight
	}
	defer a.backing.Store(false)

	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".backup-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	var written int64
	err = db.View(func(tx *bolt.Tx) error {
		n, err := tx.WriteTo(tmp)
		written = n
		return err
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	return written, nil
}
