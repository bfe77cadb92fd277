// Virtual sdcard job engine
//
// Streams a g-code file through the dispatcher as a cooperative reactor
// timer. The loop reads the file in fixed-size blocks, defers to pending
// interactive commands between lines, and persists checkpoint records so an
// interrupted job can be resumed after power loss.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"printhost/pkg/checkpoint"
	"printhost/pkg/config"
	"printhost/pkg/errors"
	"printhost/pkg/gcode"
	"printhost/pkg/log"
	"printhost/pkg/reactor"
)

var validFileExtensions = map[string]bool{
	".gcode": true,
	".g":     true,
	".gco":   true,
}

// maxPausePolls bounds the DoPause wait for the loop to park (polled at 1ms).
const maxPausePolls = 5000

// FileEntry is one printable file in the sdcard directory.
type FileEntry struct {
	Path string
	Size int64
}

// VirtualSDCard streams a selected file through the dispatcher.
//
// The work loop runs on the reactor goroutine and dispatches each line under
// the dispatch mutex; mu guards the externally polled fields (file identity,
// stream position, timer handle) so Status and IsActive can run from any
// goroutine while a job streams. Counters and the loop stack are only touched
// from dispatch context or while the loop is parked.
type VirtualSDCard struct {
	reactor    *reactor.Reactor
	dispatcher *gcode.Dispatcher
	logger     *log.Logger
	stats      *PrintStats
	store      *checkpoint.Store
	gm         *GCodeMove

	sdcardDir string
	jobCfg    config.Job

	mu           sync.Mutex
	currentFile  *os.File
	filePath     string
	fileSize     int64
	filePosition int64
	// nextFilePosition is where dispatch continues after the current line.
	// A handler that changes it (M26, loop commands) repositions the stream.
	nextFilePosition int64
	workTimer        *reactor.Timer
	errorMessage     string

	mustPauseWork atomic.Bool
	cmdFromSD     atomic.Bool

	jobID        string
	lineCount    int
	extrudeLines int
	fanState     string

	loopStack []loopFrame

	postJobHook func()
}

// NewVirtualSDCard creates the job engine.
func NewVirtualSDCard(r *reactor.Reactor, d *gcode.Dispatcher, gm *GCodeMove,
	stats *PrintStats, store *checkpoint.Store, cfg *config.Config,
	logger *log.Logger) *VirtualSDCard {
	return &VirtualSDCard{
		reactor:    r,
		dispatcher: d,
		logger:     logger,
		stats:      stats,
		store:      store,
		gm:         gm,
		sdcardDir:  cfg.Paths.SDCardDir,
		jobCfg:     cfg.Job,
	}
}

// RegisterCommands installs the sdcard commands.
func (sd *VirtualSDCard) RegisterCommands(d *gcode.Dispatcher) {
	d.MustRegister("SDCARD_PRINT_FILE", sd.cmdSdcardPrintFile, "Load a file and start the job")
	d.MustRegister("SDCARD_RESET_FILE", sd.cmdSdcardResetFile, "Unload the file and clear job state")
	d.MustRegister("SDCARD_LOOP_BEGIN", sd.cmdSdcardLoopBegin, "Begin a repeated section")
	d.MustRegister("SDCARD_LOOP_END", sd.cmdSdcardLoopEnd, "End a repeated section")
	d.MustRegister("SDCARD_LOOP_DESIST", sd.cmdSdcardLoopDesist, "Abort running section loops")
	d.MustRegister("M20", sd.cmdM20, "List files")
	d.MustRegister("M21", sd.cmdM21, "Initialize sdcard")
	d.MustRegister("M23", sd.cmdM23, "Select file")
	d.MustRegister("M24", sd.cmdM24, "Start or resume the job")
	d.MustRegister("M25", sd.cmdM25, "Pause the job")
	d.MustRegister("M26", sd.cmdM26, "Set file position")
	d.MustRegister("M27", sd.cmdM27, "Report job progress")
}

// SetPostJobHook installs a callback invoked after a job completes normally.
func (sd *VirtualSDCard) SetPostJobHook(hook func()) {
	sd.postJobHook = hook
}

// IsActive reports whether the work loop is scheduled.
func (sd *VirtualSDCard) IsActive() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.workTimer != nil
}

// FilePath returns the loaded file's path, or "" if none.
func (sd *VirtualSDCard) FilePath() string {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.filePath
}

// FileName returns the loaded file's name relative to the sdcard directory.
func (sd *VirtualSDCard) FileName() string {
	path := sd.FilePath()
	if path == "" {
		return ""
	}
	if rel, err := filepath.Rel(sd.sdcardDir, path); err == nil {
		return rel
	}
	return filepath.Base(path)
}

// Progress returns job completion in [0, 1].
func (sd *VirtualSDCard) Progress() float64 {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.progressLocked()
}

func (sd *VirtualSDCard) progressLocked() float64 {
	if sd.fileSize <= 0 {
		return 0
	}
	return float64(sd.filePosition) / float64(sd.fileSize)
}

// GetFilePosition returns the offset of the next line to dispatch.
func (sd *VirtualSDCard) GetFilePosition() int64 {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.cmdFromSD.Load() {
		return sd.nextFilePosition
	}
	return sd.filePosition
}

// SetFilePosition repositions the stream. From within a dispatched line it
// takes effect when that line finishes; otherwise immediately.
func (sd *VirtualSDCard) SetFilePosition(pos int64) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.cmdFromSD.Load() {
		sd.nextFilePosition = pos
		return
	}
	sd.filePosition = pos
	if sd.currentFile != nil {
		sd.currentFile.Seek(pos, io.SeekStart)
	}
}

// GetFileList returns the printable files under the sdcard directory,
// sorted case-insensitively. Hidden entries are skipped; with subdirs set,
// nested files are included when they carry a g-code extension.
func (sd *VirtualSDCard) GetFileList(subdirs bool) ([]FileEntry, error) {
	var files []FileEntry
	if subdirs {
		err := filepath.WalkDir(sd.sdcardDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				if d.IsDir() && path != sd.sdcardDir {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !validFileExtensions[strings.ToLower(filepath.Ext(name))] {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(sd.sdcardDir, path)
			if err != nil {
				return err
			}
			files = append(files, FileEntry{Path: rel, Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, errors.IOFailure("scan sdcard directory", err)
		}
	} else {
		entries, err := os.ReadDir(sd.sdcardDir)
		if err != nil {
			return nil, errors.IOFailure("read sdcard directory", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, FileEntry{Path: e.Name(), Size: info.Size()})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i].Path) < strings.ToLower(files[j].Path)
	})
	return files, nil
}

// LoadFile selects a file for printing by case-insensitive name match.
func (sd *VirtualSDCard) LoadFile(filename string, subdirs bool) error {
	if sd.IsActive() {
		return errors.Busy("job engine")
	}
	files, err := sd.GetFileList(subdirs)
	if err != nil {
		return err
	}
	want := strings.ToLower(filename)
	var match string
	for _, f := range files {
		if strings.ToLower(f.Path) == want {
			match = f.Path
			break
		}
	}
	if match == "" {
		return errors.Newf(errors.ErrInvalidParameter, "file %q not found on sdcard", filename)
	}

	path := filepath.Join(sd.sdcardDir, match)
	f, err := os.Open(path)
	if err != nil {
		return errors.IOFailure("open job file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.IOFailure("stat job file", err)
	}

	sd.resetFileState()
	sd.mu.Lock()
	sd.currentFile = f
	sd.filePath = path
	sd.fileSize = info.Size()
	sd.filePosition = 0
	sd.mu.Unlock()
	sd.jobID = uuid.NewString()
	sd.logger.InfoFields("job file loaded", log.Fields{
		"file": match,
		"size": info.Size(),
		"job":  sd.jobID,
	})
	return nil
}

// PrepareRestore primes the engine to resume an interrupted job: the file is
// loaded, the stream starts at the checkpoint offset, the original job
// identity is kept so metadata merging continues, and the warmup counter is
// satisfied so checkpointing resumes immediately.
func (sd *VirtualSDCard) PrepareRestore(filename string, offset int64, jobID string) error {
	if err := sd.LoadFile(filename, true); err != nil {
		return err
	}
	sd.mu.Lock()
	size := sd.fileSize
	sd.mu.Unlock()
	if offset < 0 || offset > size {
		sd.resetFileState()
		return errors.RecoveryUnavailable("checkpoint offset outside file bounds")
	}
	if jobID != "" {
		sd.jobID = jobID
	}
	sd.mu.Lock()
	sd.filePosition = offset
	sd.mu.Unlock()
	sd.extrudeLines = sd.jobCfg.WarmupExtrudeLines
	return nil
}

func (sd *VirtualSDCard) resetFileState() {
	sd.mu.Lock()
	if sd.currentFile != nil {
		sd.currentFile.Close()
		sd.currentFile = nil
	}
	sd.filePath = ""
	sd.fileSize = 0
	sd.filePosition = 0
	sd.nextFilePosition = 0
	sd.errorMessage = ""
	sd.mu.Unlock()
	sd.jobID = ""
	sd.lineCount = 0
	sd.extrudeLines = 0
	sd.fanState = ""
	sd.loopStack = nil
}

// DoPause asks the work loop to park and waits (bounded) until it has. Safe
// to call from a dispatched line; the loop notices the flag after the line
// returns.
func (sd *VirtualSDCard) DoPause() {
	if !sd.IsActive() {
		return
	}
	sd.mustPauseWork.Store(true)
	for i := 0; i < maxPausePolls && sd.IsActive() && !sd.cmdFromSD.Load(); i++ {
		sd.reactor.Pause(sd.reactor.Monotonic() + 0.001)
	}
}

// DoResume schedules the work loop. The caller must hold the dispatch mutex;
// the stats start note reads the coordinate state.
func (sd *VirtualSDCard) DoResume() error {
	sd.mu.Lock()
	if sd.workTimer != nil {
		sd.mu.Unlock()
		return errors.Busy("job engine")
	}
	if sd.currentFile == nil {
		sd.mu.Unlock()
		return errors.New(errors.ErrUnknownState, "no job file loaded")
	}
	sd.mu.Unlock()

	sd.mustPauseWork.Store(false)
	sd.stats.NoteStart(sd.jobID, sd.FileName())

	sd.mu.Lock()
	sd.workTimer = sd.reactor.RegisterTimer(sd.workHandler, reactor.NOW)
	sd.mu.Unlock()
	return nil
}

// DoCancel stops the job, discards the file, and clears persisted state.
func (sd *VirtualSDCard) DoCancel() {
	sd.DoPause()
	sd.mu.Lock()
	hadFile := sd.currentFile != nil
	if hadFile {
		sd.currentFile.Close()
		sd.currentFile = nil
	}
	sd.filePath = ""
	sd.filePosition = 0
	sd.fileSize = 0
	sd.mu.Unlock()
	sd.loopStack = nil
	if hadFile {
		sd.stats.NoteCancel()
	}
	if err := sd.store.Clear(); err != nil {
		sd.logger.Warn("clearing checkpoint state: %v", err)
	}
}

func (sd *VirtualSDCard) cmdSdcardPrintFile(cmd *gcode.Command) (string, error) {
	if sd.IsActive() {
		return "", errors.Busy("job engine")
	}
	filename := cmd.String("FILENAME", "")
	if filename == "" {
		return "", errors.InvalidParameter(cmd.Name, "FILENAME", "")
	}
	filename = strings.TrimPrefix(filename, "/")
	if err := sd.LoadFile(filename, true); err != nil {
		return "", err
	}
	return "", sd.DoResume()
}

func (sd *VirtualSDCard) cmdSdcardResetFile(cmd *gcode.Command) (string, error) {
	if sd.cmdFromSD.Load() {
		return "", errors.New(errors.ErrBusy, "cannot reset the file from the job stream")
	}
	sd.DoPause()
	sd.resetFileState()
	sd.stats.Reset()
	if err := sd.store.Clear(); err != nil {
		sd.logger.Warn("clearing checkpoint state: %v", err)
	}
	return "", nil
}

// rawArgument returns the line's text after the command name, comments
// stripped. M23 filenames contain no '=' so field parsing cannot carry them.
func rawArgument(cmd *gcode.Command) string {
	ln := cmd.Raw
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(ln)
	if idx := strings.IndexAny(ln, " \t"); idx >= 0 {
		return strings.TrimSpace(ln[idx:])
	}
	return ""
}

func (sd *VirtualSDCard) cmdM20(cmd *gcode.Command) (string, error) {
	files, err := sd.GetFileList(false)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Begin file list\n")
	for _, f := range files {
		fmt.Fprintf(&b, "%s %d\n", f.Path, f.Size)
	}
	b.WriteString("End file list")
	return b.String(), nil
}

func (sd *VirtualSDCard) cmdM21(cmd *gcode.Command) (string, error) {
	return "SD card ok", nil
}

func (sd *VirtualSDCard) cmdM23(cmd *gcode.Command) (string, error) {
	if sd.IsActive() {
		return "", errors.Busy("job engine")
	}
	filename := strings.TrimPrefix(rawArgument(cmd), "/")
	if filename == "" {
		return "", errors.InvalidParameter(cmd.Name, "filename", "")
	}
	if err := sd.LoadFile(filename, false); err != nil {
		return "", err
	}
	sd.mu.Lock()
	size := sd.fileSize
	sd.mu.Unlock()
	return fmt.Sprintf("File opened:%s Size:%d", filename, size), nil
}

func (sd *VirtualSDCard) cmdM24(cmd *gcode.Command) (string, error) {
	return "", sd.DoResume()
}

func (sd *VirtualSDCard) cmdM25(cmd *gcode.Command) (string, error) {
	sd.DoPause()
	return "", nil
}

func (sd *VirtualSDCard) cmdM26(cmd *gcode.Command) (string, error) {
	if sd.IsActive() && !sd.cmdFromSD.Load() {
		return "", errors.Busy("job engine")
	}
	pos, err := cmd.Int("S", -1)
	if err != nil {
		return "", err
	}
	if pos < 0 {
		return "", errors.InvalidParameter(cmd.Name, "S", cmd.String("S", ""))
	}
	sd.SetFilePosition(int64(pos))
	return "", nil
}

func (sd *VirtualSDCard) cmdM27(cmd *gcode.Command) (string, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.currentFile == nil {
		return "Not SD printing.", nil
	}
	return fmt.Sprintf("SD printing byte %d/%d", sd.filePosition, sd.fileSize), nil
}

// workHandler is the job engine's read/dispatch loop, run as a reactor
// timer. It returns only when the job ends or a pause is requested.
func (sd *VirtualSDCard) workHandler(eventtime float64) float64 {
	sd.mu.Lock()
	file := sd.currentFile
	offset := sd.filePosition
	size := sd.fileSize
	sd.mu.Unlock()

	sd.logger.InfoFields("job engine starting", log.Fields{
		"file":   sd.FileName(),
		"offset": offset,
		"size":   size,
	})

	var jobErr error
	completed := false

	if file == nil {
		jobErr = errors.New(errors.ErrUnknownState, "no job file loaded")
	} else if _, err := file.Seek(offset, io.SeekStart); err != nil {
		jobErr = errors.IOFailure("seek job file", err)
	} else {
		jobErr, completed = sd.dispatchLoop(file)
	}

	sd.lineCount = 0
	sd.extrudeLines = 0
	sd.cmdFromSD.Store(false)

	switch {
	case jobErr != nil:
		msg := jobErr.Error()
		sd.mu.Lock()
		sd.errorMessage = msg
		sd.mu.Unlock()
		sd.logger.Error("job failed: %v", jobErr)
		sd.stats.NoteError(msg)
	case completed:
		sd.logger.InfoFields("job complete", log.Fields{"file": sd.FilePath()})
		sd.mu.Lock()
		sd.filePath = ""
		sd.mu.Unlock()
		sd.stats.NoteComplete()
		if err := sd.store.Clear(); err != nil {
			sd.logger.Warn("clearing checkpoint state: %v", err)
		}
		if sd.postJobHook != nil {
			sd.postJobHook()
		}
	default:
		sd.logger.InfoFields("job paused", log.Fields{"offset": sd.GetFilePosition()})
		sd.stats.NotePause()
	}

	// Cleared last so DoPause callers see the final stats state.
	sd.mu.Lock()
	timer := sd.workTimer
	sd.workTimer = nil
	sd.mu.Unlock()
	if timer != nil {
		sd.reactor.UnregisterTimer(timer)
	}
	return reactor.NEVER
}

// dispatchLoop pulls lines from the file until EOF, error, or a pause
// request. Each line is dispatched and accounted under the dispatch mutex so
// the coordinate state is never read concurrently with an interactive
// command. Returns the terminating error (if any) and whether EOF was hit.
func (sd *VirtualSDCard) dispatchLoop(file *os.File) (error, bool) {
	var lines []string
	partialInput := ""
	m := sd.dispatcher.Mutex()

	m.Lock()
	sd.writeJobMetadata()
	m.Unlock()

	for !sd.mustPauseWork.Load() {
		if len(lines) == 0 {
			buf := make([]byte, sd.jobCfg.BlockSize)
			n, err := file.Read(buf)
			if n == 0 {
				if err == nil {
					// A zero-byte read must still yield to other timers.
					sd.reactor.Pause(reactor.NOW)
					continue
				}
				if err == io.EOF {
					// A trailing line without a newline still dispatches.
					if partialInput != "" {
						lines = []string{partialInput}
						partialInput = ""
						continue
					}
					sd.mu.Lock()
					sd.filePosition = sd.fileSize
					sd.currentFile = nil
					sd.mu.Unlock()
					file.Close()
					return nil, true
				}
				return errors.IOFailure("read job file", err), false
			}
			data := partialInput + string(buf[:n])
			split := strings.Split(data, "\n")
			partialInput = split[len(split)-1]
			lines = split[:len(split)-1]
			reverseStrings(lines)
			sd.reactor.Pause(reactor.NOW)
			continue
		}

		// Interactive commands waiting on the dispatch mutex go first.
		if m.Test() {
			sd.reactor.Pause(sd.reactor.Monotonic() + 0.100)
			continue
		}

		line := lines[len(lines)-1]
		lines = lines[:len(lines)-1]

		m.Lock()
		sd.mu.Lock()
		next := sd.filePosition + int64(len(line)) + 1
		sd.nextFilePosition = next
		sd.mu.Unlock()
		sd.trackLine(line)

		sd.cmdFromSD.Store(true)
		err := sd.dispatcher.DispatchLocked(line)
		sd.cmdFromSD.Store(false)
		sd.stats.UpdateFilament()

		if err != nil {
			if errors.IsLocal(err) {
				// The job keeps running past a malformed field.
				sd.logger.Warn("line %q: %v", strings.TrimSpace(line), err)
				sd.dispatcher.Respond("!! " + err.Error())
			} else {
				sd.runOnErrorGcode()
				m.Unlock()
				return errors.Instruction(strings.TrimSpace(line), err), false
			}
		}

		sd.mu.Lock()
		pos := sd.nextFilePosition
		sd.filePosition = pos
		sd.mu.Unlock()
		if pos != next {
			// A handler repositioned the stream; discard buffered input.
			if _, err := file.Seek(pos, io.SeekStart); err != nil {
				m.Unlock()
				return errors.IOFailure("seek job file", err), false
			}
			lines = nil
			partialInput = ""
		}

		sd.lineCount++
		if sd.extrudeLines < sd.jobCfg.WarmupExtrudeLines && strings.HasPrefix(line, "G1") {
			sd.extrudeLines++
			if sd.extrudeLines == sd.jobCfg.WarmupExtrudeLines {
				sd.writeJobMetadata()
			}
		}
		sd.maybeCheckpoint()
		m.Unlock()
	}
	return nil, false
}

// trackLine watches the raw stream for fan state changes before dispatch so
// the persisted metadata can replay them on recovery.
func (sd *VirtualSDCard) trackLine(line string) {
	trimmed := strings.TrimSpace(line)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "M106"):
		sd.fanState = trimmed
		sd.writeJobMetadata()
	case strings.HasPrefix(upper, "M107"):
		sd.fanState = "M107"
		sd.writeJobMetadata()
	}
}

// maybeCheckpoint persists coordinate and metadata records on their
// configured cadences. Warmup gating skips the priming moves at the top of
// a sliced file, which are not worth resuming into.
func (sd *VirtualSDCard) maybeCheckpoint() {
	warmedUp := sd.extrudeLines >= sd.jobCfg.WarmupExtrudeLines
	if warmedUp && sd.lineCount%sd.jobCfg.CheckpointIntervalLines == 0 {
		rec := checkpoint.Record{
			FileOffset:     uint64(sd.GetFilePosition()),
			BaseExtrudePos: sd.gm.basePosition[3],
		}
		if err := sd.store.Append(rec); err != nil {
			// A lost checkpoint only widens the replay window.
			sd.logger.Warn("checkpoint write failed: %v", err)
		}
	}
	if warmedUp && sd.lineCount%sd.jobCfg.MetadataIntervalLines == 0 {
		sd.writeJobMetadata()
	}
}

func (sd *VirtualSDCard) writeJobMetadata() {
	sd.mu.Lock()
	loaded := sd.currentFile != nil
	path := sd.filePath
	size := sd.fileSize
	sd.mu.Unlock()
	if !loaded {
		return
	}
	m := checkpoint.Metadata{
		JobID:           sd.jobID,
		FilePath:        path,
		FileSize:        size,
		AbsoluteCoord:   sd.gm.absoluteCoord,
		AbsoluteExtrude: sd.gm.absoluteExtrude,
		SpeedFactor:     sd.gm.speedFactor,
		ExtrudeFactor:   sd.gm.extrudeFactor,
		FanState:        sd.fanState,
		FilamentUsed:    sd.stats.FilamentUsed(),
		PrintDuration:   sd.stats.PrintDuration(),
	}
	if err := sd.store.WriteMetadata(m); err != nil {
		sd.logger.Warn("metadata write failed: %v", err)
	}
}

// runOnErrorGcode dispatches the configured error script. Called from the
// loop with the dispatch mutex held.
func (sd *VirtualSDCard) runOnErrorGcode() {
	script := sd.jobCfg.OnErrorGcode
	if script == "" {
		return
	}
	if err := sd.dispatcher.RunScriptLocked(script); err != nil {
		sd.logger.Error("on_error_gcode failed: %v", err)
	}
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Status returns the engine state for status queries.
func (sd *VirtualSDCard) Status() map[string]any {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return map[string]any{
		"file_path":     sd.filePath,
		"file_position": sd.filePosition,
		"file_size":     sd.fileSize,
		"progress":      sd.progressLocked(),
		"is_active":     sd.workTimer != nil,
	}
}
