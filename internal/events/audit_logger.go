package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 << 20
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one JSONL line of the audit log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	SessionID string    `json:"session_id,omitempty"`
	MinionID  string    `json:"minion_id,omitempty"`
	Targets   []string  `json:"targets,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// AuditLogger appends entries to a JSONL file and rotates it into
// <dir>/archive/ once it would exceed maxSize.
type AuditLogger struct {
	path    string
	maxSize int64

	mu       sync.Mutex
	file     *os.File
	size     int64
	archived int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	l := &AuditLogger{path: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// open appends to the log file, picking up its current size.
func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// Attach subscribes the logger to every coordinator event type on bus.
// Write errors go to onError, which may be nil.
func (l *AuditLogger) Attach(bus *Bus, onError func(error)) {
	for _, et := range AllEventTypes {
		bus.Subscribe(et, func(ev Event) {
			if err := l.Record(ev); err != nil && onError != nil {
				onError(err)
			}
		})
	}
}

func (l *AuditLogger) Record(ev Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return l.WriteEntry(&LogEntry{
		Timestamp: ts,
		EventType: string(ev.Type),
		SessionID: ev.SessionID,
		MinionID:  ev.MinionID,
		Targets:   ev.Targets,
		ExitCode:  ev.ExitCode,
	})
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	if l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// rotate moves the full log into the archive directory under a name that
// sorts by time and starts a new one. Called with mu held.
func (l *AuditLogger) rotate() error {
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	l.archived++
	stem := strings.TrimSuffix(filepath.Base(l.path), LogFileExtension)
	name := stem + "." + time.Now().UTC().Format("20060102T150405") + fmt.Sprintf(".%03d", l.archived) + LogFileExtension
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

// ReadEntries decodes every entry of a JSONL audit file. Entries decoded
// before a malformed line are returned together with the error.
func ReadEntries(logPath string) ([]LogEntry, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for line := 1; sc.Scan(); line++ {
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return entries, fmt.Errorf("audit log line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	err := f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
