// Package calibration persists the per-device heading calibration offset.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Load when a stored offset cannot be used.
var ErrInvalid = errors.New("calibration: invalid stored offset")

// Store loads and saves a single offset in degrees. A missing value loads as 0.
type Store interface {
	Load() (float64, error)
	Save(offsetDeg float64) error
}

type record struct {
	DeviceID   string    `yaml:"device_id"`
	OffsetDeg  float64   `yaml:"offset_deg"`
	UpdatedUTC time.Time `yaml:"updated_utc,omitempty"`
}

// FileStore keeps the offset in a small YAML file next to the config. The
// file is bound to one device ID; an offset recorded for another device is
// not applied.
type FileStore struct {
	path     string
	deviceID string
	clock    clockwork.Clock

	mu sync.Mutex
}

// NewFileStore opens a store at path. When deviceID is empty the ID recorded
// in an existing file is adopted, or a new random one is generated.
func NewFileStore(path, deviceID string, clock clockwork.Clock) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("calibration: path is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		if rec, err := readRecord(path); err == nil && rec.DeviceID != "" {
			deviceID = rec.DeviceID
		} else {
			deviceID = uuid.NewString()
		}
	}
	return &FileStore{path: path, deviceID: deviceID, clock: clock}, nil
}

func (s *FileStore) DeviceID() string { return s.deviceID }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := readRecord(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if rec.DeviceID != "" && rec.DeviceID != s.deviceID {
		return 0, nil
	}
	if math.IsNaN(rec.OffsetDeg) || math.IsInf(rec.OffsetDeg, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, rec.OffsetDeg)
	}
	return rec.OffsetDeg, nil
}

func (s *FileStore) Save(offsetDeg float64) error {
	if math.IsNaN(offsetDeg) || math.IsInf(offsetDeg, 0) {
		return fmt.Errorf("%w: %v", ErrInvalid, offsetDeg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(&record{
		DeviceID:   s.deviceID,
		OffsetDeg:  offsetDeg,
		UpdatedUTC: s.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return writeAtomic(s.path, b)
}

func readRecord(path string) (record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return rec, nil
}

// writeAtomic uses a temp file in the same directory so the rename is atomic.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("calibration: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("calibration: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("calibration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// MemoryStore keeps the offset in memory. LoadErr and SaveErr, when set,
// are returned instead of touching the value.
type MemoryStore struct {
	mu      sync.Mutex
	offset  float64
	saves   int
	LoadErr error
	SaveErr error
}

func NewMemoryStore(offset float64) *MemoryStore {
	return &MemoryStore{offset: offset}
}

func (m *MemoryStore) Load() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return 0, m.LoadErr
	}
	return m.offset, nil
}

func (m *MemoryStore) Save(offsetDeg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.offset = offsetDeg
	return nil
}

// Saves counts Save calls, including failed ones.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
