// Package portfile persists the last-known-good worker port at a shared
// location read by both the host daemon and the UI process. Records are
// hints only: callers must re-validate the port live before trusting it.
package portfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// FormatVersion guards against incompatible record layouts.
const FormatVersion = 1

// Record is the persisted port hint.
type Record struct {
	Port      int       `json:"port"`
	Timestamp time.Time `json:"timestamp"`
	Version   int       `json:"version"`
}

// ErrNoRecord indicates the hint file is absent, unreadable, malformed,
// or too old. Callers fall back to discovery.
var ErrNoRecord = errors.New("portfile: no usable record")

// Write persists a port hint, replacing any existing record.
// The write is atomic so a concurrent reader never sees a partial file.
func Write(path string, port int) error {
	rec := Record{
		Port:      port,
		Timestamp: time.Now(),
		Version:   FormatVersion,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("portfile: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("portfile: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("portfile: rename: %w", err)
	}
	return nil
}

// Read loads the port hint. Any failure, a bad version, an out-of-range
// port, or a record older than maxAge yields ErrNoRecord.
func Read(path string, maxAge time.Duration) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNoRecord
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrNoRecord
	}
	if rec.Version != FormatVersion {
		return nil, ErrNoRecord
	}
	if rec.Port <= 0 || rec.Port > 65535 {
		return nil, ErrNoRecord
	}
	if maxAge > 0 && time.Since(rec.Timestamp) > maxAge {
		return nil, ErrNoRecord
	}
	return &rec, nil
}

// Remove deletes the hint file. Missing files are not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
