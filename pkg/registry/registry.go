package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/seldon-engine/aof/pkg/eventlog"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

const manifestFile = "project.yaml"

// Record is one discovered project: its manifest when parseable, the parse
// failure otherwise. A broken manifest never hides the project.
type Record struct {
	ID       string
	Path     string
	Manifest *types.Project
	Err      error
}

// Discover scans <root>/projects and returns one record per project
// directory. The reserved _inbox project is always present, synthesized
// when its directory does not exist yet. Archived projects are skipped
// unless includeArchived is set.
func Discover(root string, includeArchived bool) ([]Record, error) {
	projectsDir := filepath.Join(root, "projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	var records []Record
	sawInbox := false
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(projectsDir, id)
		rec := Record{ID: id, Path: path}
		manifest, err := LoadManifest(path)
		switch {
		case err != nil:
			rec.Err = err
		case manifest.ID != "" && manifest.ID != id:
			rec.Err = fmt.Errorf("manifest id %q does not match directory %q: %w",
				manifest.ID, id, errdefs.ErrInvalidArgument)
			rec.Manifest = manifest
		default:
			rec.Manifest = manifest
		}
		if id == types.InboxProject {
			sawInbox = true
		}
		if rec.Manifest != nil && rec.Manifest.Archived() && !includeArchived {
			continue
		}
		records = append(records, rec)
	}
	if !sawInbox {
		records = append(records, Record{
			ID:       types.InboxProject,
			Path:     filepath.Join(projectsDir, types.InboxProject),
			Manifest: inboxManifest(),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// LoadManifest parses a project.yaml under dir. A missing file is an error;
// discovery distinguishes it from a parse failure by errdefs.IsNotFound.
func LoadManifest(dir string) (*types.Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project manifest missing: %w", errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var p types.Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &p, nil
}

func inboxManifest() *types.Project {
	return &types.Project{
		ID:     types.InboxProject,
		Title:  "Inbox",
		Type:   "intake",
		Status: types.ProjectActive,
	}
}

// Registry hands out per-project stores and event logs, opening each
// project once and caching it. The _inbox directory tree is created on
// first use so unrouted work always has somewhere to land.
type Registry struct {
	root   string
	logger zerolog.Logger

	mu        sync.Mutex
	stores    map[string]*store.Store
	logs      map[string]*eventlog.Logger
	manifests map[string]*types.Project
	onOpen    []func(*store.Store)
}

// New creates a registry over a data root.
func New(root string) *Registry {
	return &Registry{
		root:      root,
		logger:    log.WithComponent("registry"),
		stores:    make(map[string]*store.Store),
		logs:      make(map[string]*eventlog.Logger),
		manifests: make(map[string]*types.Project),
	}
}

// Root returns the data root this registry manages.
func (r *Registry) Root() string { return r.root }

// OnOpen registers an initializer run once for every store the registry
// opens, before the store is shared. The delegation synchronizer attaches
// here. Call before any Open.
func (r *Registry) OnOpen(fn func(*store.Store)) {
	r.onOpen = append(r.onOpen, fn)
}

// Projects lists discovered projects.
func (r *Registry) Projects(includeArchived bool) ([]Record, error) {
	return Discover(r.root, includeArchived)
}

// ValidProjectID rejects ids that could escape the projects directory.
func ValidProjectID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid project id %q: %w", id, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Open returns the store for a project, opening and caching it on first
// use. Unknown projects fail with not found; _inbox is created on demand.
func (r *Registry) Open(projectID string) (*store.Store, error) {
	if err := ValidProjectID(projectID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[projectID]; ok {
		return s, nil
	}

	dir := filepath.Join(r.root, "projects", projectID)
	manifest, err := LoadManifest(dir)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
		if projectID != types.InboxProject {
			return nil, fmt.Errorf("project %s: %w", projectID, errdefs.ErrNotFound)
		}
		manifest = inboxManifest()
		if err := writeManifest(dir, manifest); err != nil {
			return nil, err
		}
		r.logger.Info().Str("project_id", projectID).Msg("inbox project created")
	}

	events, err := eventlog.Open(filepath.Join(dir, "events"), projectID)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(dir, projectID, events)
	if err != nil {
		_ = events.Close()
		return nil, err
	}
	for _, fn := range r.onOpen {
		fn(s)
	}

	r.stores[projectID] = s
	r.logs[projectID] = events
	r.manifests[projectID] = manifest
	return s, nil
}

// Events returns the event log for a project, opening the project first
// when needed.
func (r *Registry) Events(projectID string) (*eventlog.Logger, error) {
	if _, err := r.Open(projectID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[projectID], nil
}

// Manifest returns the parsed manifest for an opened project.
func (r *Registry) Manifest(projectID string) (*types.Project, error) {
	if _, err := r.Open(projectID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifests[projectID], nil
}

// Opened returns the stores opened so far, for sweeps that must not force
// every project into memory.
func (r *Registry) Opened() []*store.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*store.Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	return out
}

// Close closes every cached event log. Stores hold no file handles.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, l := range r.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s event log: %w", id, err)
		}
	}
	r.logs = make(map[string]*eventlog.Logger)
	r.stores = make(map[string]*store.Store)
	r.manifests = make(map[string]*types.Project)
	return firstErr
}

func writeManifest(dir string, p *types.Project) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(name, filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("install manifest: %w", err)
	}
	return nil
}
