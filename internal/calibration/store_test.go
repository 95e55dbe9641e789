package calibration

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_MissingFileLoadsZero(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "calibration.yaml"), "phone-1", nil)
	require.NoError(t, err)
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestFileStore_SaveLoad(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "state", "calibration.yaml")
	s, err := NewFileStore(path, "phone-1", clk)
	require.NoError(t, err)

	require.NoError(t, s.Save(-12.5))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, -12.5, got)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "device_id: phone-1")
	assert.Contains(t, string(b), "2024-03-01T08:00:00Z")

	matches, err := filepath.Glob(path + ".tmp.*")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must be cleaned up")
}

func TestFileStore_OtherDeviceIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	a, err := NewFileStore(path, "phone-a", nil)
	require.NoError(t, err)
	require.NoError(t, a.Save(20))

	b, err := NewFileStore(path, "phone-b", nil)
	require.NoError(t, err)
	got, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestFileStore_AdoptsRecordedDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	first, err := NewFileStore(path, "", nil)
	require.NoError(t, err)
	_, err = uuid.Parse(first.DeviceID())
	require.NoError(t, err, "generated id should be a uuid")
	require.NoError(t, first.Save(7))

	second, err := NewFileStore(path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
	got, err := second.Load()
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
}

func TestFileStore_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	require.NoError(t, os.WriteFile(path, []byte("offset_deg: [not a number\n"), 0o644))
	s, err := NewFileStore(path, "phone-1", nil)
	require.NoError(t, err)

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, os.WriteFile(path, []byte("device_id: phone-1\noffset_deg: .nan\n"), 0o644))
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrInvalid)

	assert.ErrorIs(t, s.Save(math.NaN()), ErrInvalid)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore("  ", "x", nil)
	assert.EqualError(t, err, "calibration: path is required")
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore(3)
	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	m.SaveErr = errors.New("read-only")
	assert.Error(t, m.Save(9))
	got, _ = m.Load()
	assert.Equal(t, 3.0, got)
	assert.Equal(t, 1, m.Saves())
}
