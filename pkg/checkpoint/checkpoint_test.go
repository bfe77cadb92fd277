package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhost/pkg/errors"
	"printhost/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "testctl", log.New("checkpoint-test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLatestEmptyStore(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Latest()
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, s.HasState())
}

func TestAppendAndLatest(t *testing.T) {
	s := newTestStore(t)

	for _, off := range []uint64{100, 250, 4096} {
		require.NoError(t, s.Append(Record{FileOffset: off, BaseExtrudePos: float64(off) / 10}))
	}

	rec, err := s.Latest()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(4096), rec.FileOffset)
	assert.Equal(t, 409.6, rec.BaseExtrudePos)
}

func TestLatestSkipsTruncatedTail(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(Record{FileOffset: 100, BaseExtrudePos: 1.5}))
	require.NoError(t, s.Append(Record{FileOffset: 200, BaseExtrudePos: 3.0}))

	// Simulate a crash mid-append: a partial JSON line at the end.
	f, err := os.OpenFile(s.CheckpointPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"file_offset":300,"base_ex`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, err := s.Latest()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(200), rec.FileOffset)
}

func TestLatestSkipsGarbageBetweenRecords(t *testing.T) {
	s := newTestStore(t)

	content := `{"file_offset":50,"base_extrude_position":1}
not json at all
{"file_offset":75,"base_extrude_position":2}
`
	require.NoError(t, os.WriteFile(s.CheckpointPath(), []byte(content), 0o644))

	rec, err := s.Latest()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(75), rec.FileOffset)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	m, err := s.ReadMetadata()
	require.NoError(t, err)
	assert.Nil(t, m)

	in := Metadata{
		JobID:         "job-1",
		FilePath:      "/sdcard/benchy.gcode",
		FileSize:      123456,
		AbsoluteCoord: true,
		SpeedFactor:   1.0 / 60.0,
		ExtrudeFactor: 1.0,
		FanState:      "M106 S255",
	}
	require.NoError(t, s.WriteMetadata(in))

	m, err = s.ReadMetadata()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, in, *m)
}

func TestMetadataStickyMerge(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteMetadata(Metadata{
		JobID:         "job-1",
		FanState:      "M106 S128",
		FilamentUsed:  12.5,
		PrintDuration: 300,
	}))
	// A refresh without fan/filament/duration keeps the old values.
	require.NoError(t, s.WriteMetadata(Metadata{JobID: "job-1", FilePath: "/f.gcode"}))

	m, err := s.ReadMetadata()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "M106 S128", m.FanState)
	assert.Equal(t, 12.5, m.FilamentUsed)
	assert.Equal(t, 300.0, m.PrintDuration)
	assert.Equal(t, "/f.gcode", m.FilePath)
}

func TestMetadataNoMergeAcrossJobs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteMetadata(Metadata{JobID: "job-1", FanState: "M106 S255"}))
	require.NoError(t, s.WriteMetadata(Metadata{JobID: "job-2"}))

	m, err := s.ReadMetadata()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Empty(t, m.FanState)
}

func TestCorruptMetadataIsRecoveryUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.MetadataPath(), []byte("{broken"), 0o644))

	_, err := s.ReadMetadata()
	assert.True(t, errors.Is(err, errors.ErrRecoveryUnavailable))
}

func TestClearRemovesState(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(Record{FileOffset: 1}))
	require.NoError(t, s.WriteMetadata(Metadata{JobID: "job-1"}))
	assert.True(t, s.HasState())

	require.NoError(t, s.Clear())
	assert.False(t, s.HasState())
	// Clearing twice is fine.
	require.NoError(t, s.Clear())
}

func TestSecondStoreOnSameSerialIsBusy(t *testing.T) {
	dir := t.TempDir()
	logger := log.New("checkpoint-test")

	s1, err := NewStore(dir, "ctl", logger)
	require.NoError(t, err)
	defer s1.Close()

	_, err = NewStore(dir, "ctl", logger)
	assert.True(t, errors.Is(err, errors.ErrBusy))

	// Different serial in the same directory is independent.
	s2, err := NewStore(dir, "other", logger)
	require.NoError(t, err)
	s2.Close()
}

func TestPathsUseSerial(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "testctl_gcode_coordinate.save", filepath.Base(s.CheckpointPath()))
	assert.Equal(t, "testctl_print_meta.save", filepath.Base(s.MetadataPath()))
}
