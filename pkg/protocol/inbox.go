package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/log"
)

const (
	inboxArchiveDir  = "archive"
	inboxRejectedDir = "rejected"

	// settleDelay debounces per-file events so a writer that streams an
	// envelope into place is read once, whole.
	settleDelay = 200 * time.Millisecond

	// sweepInterval re-scans the drop directory for files whose events
	// were missed or whose handling failed transiently.
	sweepInterval = 30 * time.Second
)

// Inbox feeds envelope files dropped into a directory to the router.
// Handled files move to archive/, refused ones to rejected/; files that
// fail for daemon-side reasons stay put for the next sweep. Producers
// should write elsewhere and rename into the directory.
type Inbox struct {
	router  *Router
	dir     string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	procMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInbox prepares the drop directory and its archive/rejected
// subdirectories. Watching starts with Start.
func NewInbox(router *Router, dir string) (*Inbox, error) {
	for _, d := range []string{dir, filepath.Join(dir, inboxArchiveDir), filepath.Join(dir, inboxRejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create inbox directory: %w", err)
		}
	}
	return &Inbox{
		router: router,
		dir:    dir,
		logger: log.WithComponent("inbox"),
		timers: make(map[string]*time.Timer),
		stopCh: make(chan struct{}),
	}, nil
}

// Dir returns the watched drop directory.
func (i *Inbox) Dir() string { return i.dir }

// Start drains envelopes already sitting in the directory, then watches
// for new ones.
func (i *Inbox) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := watcher.Add(i.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}
	i.watcher = watcher

	if err := i.Sweep(); err != nil {
		i.logger.Warn().Err(err).Msg("initial inbox sweep failed")
	}

	i.wg.Add(1)
	go i.watchLoop()
	i.logger.Info().Str("dir", i.dir).Msg("inbox watching")
	return nil
}

// Stop halts watching. Pending debounce timers are cancelled; their files
// stay in the directory for the next start.
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
	i.wg.Wait()
	if i.watcher != nil {
		i.watcher.Close()
	}
	i.mu.Lock()
	for path, t := range i.timers {
		t.Stop()
		delete(i.timers, path)
	}
	i.mu.Unlock()
}

func (i *Inbox) watchLoop() {
	defer i.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stopCh:
			return
		case ev, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !envelopeFile(filepath.Base(ev.Name)) {
				continue
			}
			i.schedule(ev.Name)
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			i.logger.Warn().Err(err).Msg("inbox watch error")
		case <-ticker.C:
			if err := i.Sweep(); err != nil {
				i.logger.Warn().Err(err).Msg("inbox sweep failed")
			}
		}
	}
}

// schedule debounces handling of one file: each new event pushes its
// timer back out, so handling starts settleDelay after the last write.
func (i *Inbox) schedule(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.timers[path]; ok {
		t.Reset(settleDelay)
		return
	}
	i.timers[path] = time.AfterFunc(settleDelay, func() {
		i.mu.Lock()
		delete(i.timers, path)
		i.mu.Unlock()
		i.process(path)
	})
}

// Sweep handles every envelope file currently in the directory.
func (i *Inbox) Sweep() error {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !envelopeFile(e.Name()) {
			continue
		}
		i.process(filepath.Join(i.dir, e.Name()))
	}
	return nil
}

// process reads, routes, and files away one envelope. Serialized so a
// debounce timer and a sweep racing on the same file cannot route it
// twice: the loser finds the file gone.
func (i *Inbox) process(path string) {
	i.procMu.Lock()
	defer i.procMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			i.logger.Warn().Err(err).Str("path", path).Msg("could not read envelope file")
		}
		return
	}

	env, err := Parse(data)
	if err != nil {
		i.logger.Warn().Err(err).Str("path", path).Msg("unparseable envelope file")
		i.file(path, inboxRejectedDir)
		return
	}

	if err := i.router.Handle(env); err != nil {
		if AsRejection(err) != nil {
			i.file(path, inboxRejectedDir)
			return
		}
		// Daemon-side failure: keep the file, the next sweep retries it.
		i.logger.Error().Err(err).Str("path", path).Str("type", env.Type).
			Str("task_id", env.TaskID).Msg("envelope handling failed")
		return
	}
	i.file(path, inboxArchiveDir)
}

// file moves a handled envelope into a subdirectory, timestamped so
// repeated names never collide.
func (i *Inbox) file(path, sub string) {
	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	dest := filepath.Join(i.dir, sub, stamp+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		i.logger.Warn().Err(err).Str("path", path).Msg("could not archive envelope file")
	}
}

// envelopeFile filters directory entries down to routable drops: JSON
// files that are not still being written under a dot-prefixed temp name.
func envelopeFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
