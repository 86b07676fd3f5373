package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmeireles/snapex/pkg/errors"
)

// entry is one line of the record file.
type entry struct {
	K string    `json:"k"`
	V string    `json:"v"`
	T time.Time `json:"t,omitempty"`
}

// Recorder appends entries to a session record file. Every Set is flushed to
// stable storage before it returns, so a handle written by Set survives a
// crash of the process immediately afterwards.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	record *Record
}

// Create writes a new record file at path with the planned fields of rec.
// It fails if the file already exists.
func Create(path string, rec *Record) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create session directory")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		slog.Error("session_record_create_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to create session record")
	}

	rec.Path = path
	planned := rec.fields()
	rec.History = nil

	r := &Recorder{f: f, record: rec}
	if err := r.append(planned...); err != nil {
		f.Close()
		return nil, err
	}

	slog.Info("session_record_created", "path", path, "session_id", rec.ID)
	return r, nil
}

// Open reopens an existing record for appending.
func Open(path string) (*Recorder, error) {
	rec, err := Load(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session record")
	}
	if err := repairTail(f, path); err != nil {
		f.Close()
		return nil, err
	}

	return &Recorder{f: f, record: rec}, nil
}

// repairTail makes the file end on a complete line before anything is
// appended. A final line cut short by a crash is dropped, as Load drops it;
// an intact final line missing only its newline gets one.
func repairTail(f *os.File, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read session record")
	}
	n := len(data)
	if n == 0 {
		return nil
	}

	keep, newline := n, false
	if data[n-1] == '\n' {
		start := bytes.LastIndexByte(data[:n-1], '\n') + 1
		if !intactLine(data[start : n-1]) {
			keep = start
		}
	} else {
		start := bytes.LastIndexByte(data, '\n') + 1
		if intactLine(data[start:]) {
			newline = true
		} else {
			keep = start
		}
	}
	if keep == n && !newline {
		return nil
	}

	slog.Warn("session_record_tail_repaired", "path", path, "dropped_bytes", n-keep, "newline_added", newline)
	if err := f.Truncate(int64(keep)); err != nil {
		return errors.Wrap(err, "failed to truncate session record")
	}
	if newline {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return errors.Wrap(err, "failed to terminate session record")
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync session record")
	}
	return nil
}

func intactLine(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return true
	}
	var e entry
	return json.Unmarshal(line, &e) == nil && e.K != ""
}

// Record returns the live record. Callers must treat it as read-only.
func (r *Recorder) Record() *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// Path returns the record file path.
func (r *Recorder) Path() string {
	return r.record.Path
}

// Set appends key=value and applies it to the live record.
func (r *Recorder) Set(key, value string) error {
	return r.append(entry{K: key, V: value})
}

// SetStatus appends a status transition.
func (r *Recorder) SetStatus(s Status) error {
	return r.Set(KeyStatus, string(s))
}

// Fail records the failed step and error message, then the failed status.
func (r *Recorder) Fail(step string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.append(
		entry{K: KeyFailedStep, V: step},
		entry{K: KeyError, V: msg},
		entry{K: KeyStatus, V: string(StatusFailed)},
	)
}

// append writes entries as complete lines in a single write and syncs the
// file before applying them in memory.
func (r *Recorder) append(entries ...entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return fmt.Errorf("session record %s is closed", r.record.Path)
	}

	var buf bytes.Buffer
	now := time.Now().UTC()
	for i := range entries {
		entries[i].T = now
		line, err := json.Marshal(entries[i])
		if err != nil {
			return errors.Wrap(err, "failed to encode record entry")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if _, err := r.f.Write(buf.Bytes()); err != nil {
		slog.Error("session_record_write_failed", "path", r.record.Path, "error", err)
		return errors.Wrap(err, "failed to append to session record")
	}
	if err := r.f.Sync(); err != nil {
		slog.Error("session_record_sync_failed", "path", r.record.Path, "error", err)
		return errors.Wrap(err, "failed to sync session record")
	}

	for _, e := range entries {
		r.record.apply(e.K, e.V)
	}
	return nil
}

// Close closes the record file. The in-memory record stays readable.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Load reads a record file. A final line cut short by a crash is ignored; a
// malformed line anywhere else is an error.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session record")
	}

	rec := &Record{Path: path}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pending error
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}

		var e entry
		if err := json.Unmarshal(line, &e); err != nil || e.K == "" {
			pending = fmt.Errorf("session record %s: malformed line %d", path, lineNo)
			continue
		}
		rec.apply(e.K, e.V)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan session record")
	}

	if pending != nil {
		slog.Warn("session_record_truncated_tail", "path", path, "line", lineNo)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("session record %s has no id", path)
	}
	return rec, nil
}
