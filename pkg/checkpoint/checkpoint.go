// Power-loss checkpoint persistence
//
// Two small files per controller identity live in the state directory:
//
//	<serial>_gcode_coordinate.save  append-only checkpoint records
//	<serial>_print_meta.save        job metadata, overwritten in place
//
// The checkpoint file is append-only so a crash mid-write can only damage
// the final line; the reader takes the well-formed record with the highest
// file offset. The metadata file changes rarely and a single stale copy is
// acceptable, so it is rewritten whole.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	stderrors "errors"

	"github.com/gofrs/flock"

	"printhost/pkg/errors"
	"printhost/pkg/log"
)

// Record is the per-line checkpoint: enough to resume a file-based job.
type Record struct {
	FileOffset     uint64  `json:"file_offset"`
	BaseExtrudePos float64 `json:"base_extrude_position"`
}

// Metadata is the job-level context not tied to any single line.
type Metadata struct {
	JobID           string  `json:"job_id"`
	FilePath        string  `json:"file_path"`
	FileSize        int64   `json:"file_size"`
	AbsoluteCoord   bool    `json:"absolute_coord"`
	AbsoluteExtrude bool    `json:"absolute_extrude"`
	SpeedFactor     float64 `json:"speed_factor"`
	ExtrudeFactor   float64 `json:"extrude_factor"`

	// FanState is the last fan g-code seen in the stream (M106/M107 line),
	// replayed verbatim before recovery motion.
	FanState      string  `json:"fan_state"`
	FilamentUsed  float64 `json:"filament_used"`
	PrintDuration float64 `json:"print_duration"`
}

// Store owns the checkpoint/metadata file pair for one controller.
// An exclusive flock on the state directory's lock file guarantees a single
// host owns a controller identity at a time.
type Store struct {
	dir    string
	serial string
	lock   *flock.Flock
	logger *log.Logger

	// Held open in append mode for the duration of a job.
	cpFile *os.File
}

// NewStore opens the store and takes the controller lock. A second host on
// the same identity gets a Busy error.
func NewStore(dir, serial string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.IOFailure("create state directory", err)
	}
	lock := flock.New(filepath.Join(dir, serial+".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, errors.IOFailure("acquire controller lock", err)
	}
	if !held {
		return nil, errors.Busy(fmt.Sprintf("controller %q state directory", serial))
	}
	return &Store{dir: dir, serial: serial, lock: lock, logger: logger}, nil
}

// CheckpointPath returns the path of the append-only checkpoint file.
func (s *Store) CheckpointPath() string {
	return filepath.Join(s.dir, s.serial+"_gcode_coordinate.save")
}

// MetadataPath returns the path of the job metadata file.
func (s *Store) MetadataPath() string {
	return filepath.Join(s.dir, s.serial+"_print_meta.save")
}

// Append writes one checkpoint record as a JSON line and syncs the data to
// disk. Failures are returned for the caller to log and discard; a lost
// checkpoint only widens the post-recovery replay window.
func (s *Store) Append(rec Record) error {
	if s.cpFile == nil {
		f, err := os.OpenFile(s.CheckpointPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.IOFailure("open checkpoint file", err)
		}
		s.cpFile = f
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.IOFailure("encode checkpoint", err)
	}
	data = append(data, '\n')
	if _, err := s.cpFile.Write(data); err != nil {
		return errors.IOFailure("append checkpoint", err)
	}
	if err := datasync(s.cpFile); err != nil {
		return errors.IOFailure("sync checkpoint", err)
	}
	return nil
}

// Latest returns the well-formed checkpoint record with the highest file
// offset, or nil if none exists. Truncated or garbage lines are skipped.
func (s *Store) Latest() (*Record, error) {
	f, err := os.Open(s.CheckpointPath())
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.IOFailure("open checkpoint file", err)
	}
	defer f.Close()

	var best *Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Interrupted write; the earlier records still stand.
			s.logger.Debug("skipping malformed checkpoint line: %v", err)
			continue
		}
		if best == nil || rec.FileOffset >= best.FileOffset {
			r := rec
			best = &r
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.IOFailure("read checkpoint file", err)
	}
	return best, nil
}

// WriteMetadata rewrites the metadata file, merging sticky fields from the
// previous record: an empty fan state or zero filament/duration in the new
// record keeps the old value rather than erasing it.
func (s *Store) WriteMetadata(m Metadata) error {
	if old, err := s.ReadMetadata(); err == nil && old != nil && old.JobID == m.JobID {
		if m.FanState == "" {
			m.FanState = old.FanState
		}
		if m.FilamentUsed == 0 {
			m.FilamentUsed = old.FilamentUsed
		}
		if m.PrintDuration == 0 {
			m.PrintDuration = old.PrintDuration
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return errors.IOFailure("encode metadata", err)
	}
	if err := os.WriteFile(s.MetadataPath(), append(data, '\n'), 0o644); err != nil {
		return errors.IOFailure("write metadata", err)
	}
	return nil
}

// ReadMetadata returns the persisted job metadata, or nil if none exists.
func (s *Store) ReadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(s.MetadataPath())
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.IOFailure("read metadata", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.RecoveryUnavailable(fmt.Sprintf("metadata corrupt: %v", err))
	}
	return &m, nil
}

// HasState reports whether both record files exist.
func (s *Store) HasState() bool {
	if _, err := os.Stat(s.CheckpointPath()); err != nil {
		return false
	}
	if _, err := os.Stat(s.MetadataPath()); err != nil {
		return false
	}
	return true
}

// Clear removes both record files. Called on normal completion and on
// explicit cancel.
func (s *Store) Clear() error {
	if s.cpFile != nil {
		s.cpFile.Close()
		s.cpFile = nil
	}
	var firstErr error
	for _, path := range []string{s.CheckpointPath(), s.MetadataPath()} {
		if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = errors.IOFailure("remove "+filepath.Base(path), err)
			}
		}
	}
	return firstErr
}

// Close releases the controller lock and any open file handle.
func (s *Store) Close() error {
	if s.cpFile != nil {
		s.cpFile.Close()
		s.cpFile = nil
	}
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}
