package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/metrics"
	"github.com/seldon-engine/aof/pkg/types"
)

const (
	dayFormat = "2006-01-02"
	fileExt   = ".jsonl"

	// maxLineBytes bounds a single event line during scans.
	maxLineBytes = 1 << 20
)

var dayFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// Logger is a per-project append-only event log. Events land in one JSONL
// file per UTC day under the project's events/ directory; eventId counts up
// from 1 within each day and is recovered from the file tail on open.
type Logger struct {
	dir       string
	projectID string

	mu          sync.Mutex
	day         string
	seq         int64
	file        *os.File
	closed      bool
	lastEventAt time.Time

	broker *Broker
	now    func() time.Time
	logger zerolog.Logger
}

// Open prepares the event log for a project, creating the directory when
// missing and recovering today's sequence counter.
func Open(dir, projectID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}

	l := &Logger{
		dir:       dir,
		projectID: projectID,
		broker:    NewBroker(),
		now:       time.Now,
		logger:    log.WithComponent("eventlog").With().Str("project_id", projectID).Logger(),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	l.broker.Start()
	return l, nil
}

// recover scans the newest day file for the last valid line so eventId
// stays monotonic across restarts.
func (l *Logger) recover() error {
	files, err := l.dayFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	newest := files[len(files)-1]
	today := l.now().UTC().Format(dayFormat)

	var lastID int64
	var lastAt time.Time
	if err := l.scanFile(newest, func(e *types.Event) bool {
		lastID = e.EventID
		lastAt = e.Timestamp
		return true
	}); err != nil {
		return err
	}

	l.lastEventAt = lastAt
	if newest == filepath.Join(l.dir, today+fileExt) {
		l.day = today
		l.seq = lastID
	}
	return nil
}

// Append writes one event as a single JSONL line and notifies subscribers.
// The write is O_APPEND, so concurrent daemons interleave whole lines.
func (l *Logger) Append(e *types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("event log closed")
	}

	now := l.now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.ProjectID == "" {
		e.ProjectID = l.projectID
	}

	if err := l.roll(now); err != nil {
		return err
	}

	l.seq++
	e.EventID = l.seq

	line, err := json.Marshal(e)
	if err != nil {
		l.seq--
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		l.seq--
		return fmt.Errorf("append event: %w", err)
	}

	l.lastEventAt = e.Timestamp
	metrics.EventAppendsTotal.Inc()
	l.broker.Publish(e)
	return nil
}

// Record appends an event and swallows failures after logging them. Task
// mutations call this: a full disk must not turn a successful transition
// into a reported error.
func (l *Logger) Record(e *types.Event) {
	if err := l.Append(e); err != nil {
		l.logger.Warn().Err(err).Str("event_type", e.Type).Str("task_id", e.TaskID).
			Msg("event append failed, continuing")
	}
}

// roll opens the file for the given day, rotating when the UTC day changed.
func (l *Logger) roll(now time.Time) error {
	day := now.Format(dayFormat)
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, day+fileExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", path, err)
	}

	if day != l.day {
		l.seq = 0
		// Reopening an existing file for a new process day keeps counting.
		if st, err := f.Stat(); err == nil && st.Size() > 0 {
			var lastID int64
			if err := l.scanFile(path, func(e *types.Event) bool {
				lastID = e.EventID
				return true
			}); err == nil {
				l.seq = lastID
			}
		}
	}
	l.day = day
	l.file = f
	return nil
}

// Filter selects events during a Query. Zero fields match everything.
type Filter struct {
	Since  time.Time
	Until  time.Time
	Types  []string
	TaskID string
	Actor  string
	Limit  int
}

func (f Filter) match(e *types.Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Query scans day files oldest-first and returns matching events. Malformed
// lines are skipped with a warning; a partially written tail line must not
// poison history reads.
func (l *Logger) Query(f Filter) ([]*types.Event, error) {
	files, err := l.dayFiles()
	if err != nil {
		return nil, err
	}

	var out []*types.Event
	for _, path := range files {
		if skipFile(path, f) {
			continue
		}
		err := l.scanFile(path, func(e *types.Event) bool {
			if f.match(e) {
				out = append(out, e)
				if f.Limit > 0 && len(out) >= f.Limit {
					return false
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// skipFile prunes whole day files outside the filter's date range.
func skipFile(path string, f Filter) bool {
	day, err := time.Parse(dayFormat, filepath.Base(path)[:len(dayFormat)])
	if err != nil {
		return false
	}
	if !f.Since.IsZero() && day.Add(24*time.Hour).Before(f.Since) {
		return true
	}
	if !f.Until.IsZero() && day.After(f.Until) {
		return true
	}
	return false
}

// scanFile feeds each valid event line to fn; fn returning false stops the
// scan early.
func (l *Logger) scanFile(path string, fn func(*types.Event) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e types.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			l.logger.Warn().Str("file", filepath.Base(path)).Int("line", lineNo).
				Msg("skipping malformed event line")
			continue
		}
		if !fn(&e) {
			return nil
		}
	}
	return scanner.Err()
}

// dayFiles lists day files sorted oldest to newest.
func (l *Logger) dayFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list events dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !dayFilePattern.MatchString(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(l.dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LastEventAt returns the timestamp of the newest appended event, zero when
// the log is empty.
func (l *Logger) LastEventAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEventAt
}

// Subscribe returns a channel fed by future appends.
func (l *Logger) Subscribe() Subscriber {
	return l.broker.Subscribe()
}

// Unsubscribe detaches a subscriber and closes its channel.
func (l *Logger) Unsubscribe(sub Subscriber) {
	l.broker.Unsubscribe(sub)
}

// Close flushes and releases the log. Further appends fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.broker.Stop()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
