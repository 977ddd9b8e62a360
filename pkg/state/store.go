package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/types"
)

// Store persists the Operational record as one JSON document, written
// atomically through a temp file and rename.
type Store struct {
	path     string
	failures int
}

// NewStore creates a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the record, falling back to a fresh one when the file is
// missing or unreadable. A damaged state file is an expected condition
// after power loss, not an error.
func (s *Store) Load(now time.Time, mode types.Mode) *Operational {
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Infof("No usable state file at %s, starting from defaults: %v", s.path, err)
		return NewOperational(now, mode)
	}

	var op Operational
	if err := json.Unmarshal(data, &op); err != nil {
		log.Infof("State file %s is damaged, starting from defaults: %v", s.path, err)
		return NewOperational(now, mode)
	}

	if op.DayMarker == "" {
		op.DayMarker = now.Format(dayFormat)
	}
	if !op.Mode.Valid() {
		op.Mode = mode
	}
	return &op
}

// Save writes the record atomically. Consecutive failures are counted so
// the engine can escalate after repeated misses.
func (s *Store) Save(op *Operational) error {
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		s.failures++
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".operational_state-*.json")
	if err != nil {
		s.failures++
		return fmt.Errorf("creating temp state file: %w", err)
	}

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		s.failures++
		return fmt.Errorf("writing temp state file: write=%v close=%v", werr, cerr)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		s.failures++
		return fmt.Errorf("replacing state file: %w", err)
	}

	s.failures = 0
	return nil
}

// ConsecutiveFailures reports how many saves in a row have failed.
func (s *Store) ConsecutiveFailures() int {
	return s.failures
}
