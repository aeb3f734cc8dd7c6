/*
	Package gallery composes the preview pipeline into the API hosting
	applications use: open a copick-style project, request thumbnails for
	its runs or tomograms, and manage the cache underneath.  It is the
	composition root: the cache registry, the worker pool, and the preview
	settings all live here, configured from one TOML file.
*/
package gallery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cryoetlab/tomothumb/cache"
	"github.com/cryoetlab/tomothumb/codec"
	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/project"
	"github.com/cryoetlab/tomothumb/tomo"
	"github.com/cryoetlab/tomothumb/worker"
)

const (
	Version = "1.0"
)

// Versions returns version identifiers for the gallery and the image
// codecs compiled into this executable.
func Versions() string {
	text := "\nCompile-time version information for this tomothumb executable:\n\n"
	text += fmt.Sprintf("%-15s   %s\n", "Name", "Version")
	text += fmt.Sprintf("%-15s   %s\n", "tomothumb", Version)
	text += fmt.Sprintf("%-15s   %s\n", "Image codecs", codec.EnabledCodecs())
	return text
}

// Gallery ties the thumbnail cache and worker pool to at most one open
// project at a time.
type Gallery struct {
	config   *Config
	registry *cache.Registry
	cache    *cache.Cache
	pool     *worker.Pool

	mu      sync.Mutex
	project *project.Project
}

// New composes a gallery from configuration.  A nil config uses defaults.
func New(config *Config) (*Gallery, error) {
	if config == nil {
		config = DefaultConfig()
	}
	base, err := config.cacheBase()
	if err != nil {
		return nil, err
	}
	registry := cache.NewRegistry(base, config.format(), config.Cache.HotMB)
	c, err := registry.Register(config.namespace())
	if err != nil {
		return nil, err
	}
	if config.Preview.Font != "" {
		if err := preview.LoadFont(config.Preview.Font); err != nil {
			tomo.Warningf("Unable to load placeholder font %q: %v\n", config.Preview.Font, err)
		}
	}
	pool := worker.New(c, worker.Options{
		Workers:    config.Pool.Workers,
		QueueSize:  config.Pool.Queue,
		Prefer:     config.Preview.Prefer,
		TargetSize: config.targetSize(),
	})
	return &Gallery{
		config:   config,
		registry: registry,
		cache:    c,
		pool:     pool,
	}, nil
}

// Config returns the configuration the gallery was composed from.
func (g *Gallery) Config() *Config {
	return g.config
}

// Cache returns the thumbnail cache for this host's namespace.
func (g *Gallery) Cache() *cache.Cache {
	return g.cache
}

// OpenProject loads the project at the given path and points the cache at
// a root scoped to the project's identity.  Outstanding thumbnail tasks
// are cancelled first so their writes cannot land in the new root.
func (g *Gallery) OpenProject(path string) (*project.Project, error) {
	p, err := project.Load(path)
	if err != nil {
		return nil, err
	}
	if g.config.Volume.CacheGB > 0 {
		p.UsePlaneCache(g.config.Volume.CacheGB << 10)
	}
	g.pool.ClearTasks()
	if err := g.registry.UpdateProject(g.config.namespace(), p.ID()); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.project = p
	g.mu.Unlock()
	tomo.Infof("Gallery opened project %q with %d runs\n", p.Name(), len(p.Runs()))
	return p, nil
}

// Project returns the open project, or nil if none has been opened.
func (g *Gallery) Project() *project.Project {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.project
}

// RequestRun asks for a thumbnail of the named run in the open project.
// The callback receives the result; when placeholders are enabled, a
// failed generation delivers a rendered stand-in image with a nil error
// instead, and the underlying error stays available on the task.
func (g *Gallery) RequestRun(runName, id string, force bool, cb worker.CompletionFunc) (*worker.Task, error) {
	p := g.Project()
	if p == nil {
		return nil, fmt.Errorf("No project is open")
	}
	run, found := p.Run(runName)
	if !found {
		return nil, fmt.Errorf("Project %q has no run %q", p.Name(), runName)
	}
	return g.pool.Submit(worker.Request{Run: run, Force: force}, id, g.wrap(cb))
}

// RequestTomogram asks for a thumbnail of one specific tomogram, skipping
// selection.  Placeholder substitution follows RequestRun.
func (g *Gallery) RequestTomogram(tom preview.Tomogram, id string, force bool, cb worker.CompletionFunc) (*worker.Task, error) {
	return g.pool.Submit(worker.Request{Tomogram: tom, Force: force}, id, g.wrap(cb))
}

// GenerateAll submits thumbnail tasks for every run in the open project,
// or just the named subset, using each run's name as its task id.  It
// returns the submitted tasks; callers wait on their Done channels.
func (g *Gallery) GenerateAll(runNames []string, force bool) ([]*worker.Task, error) {
	p := g.Project()
	if p == nil {
		return nil, fmt.Errorf("No project is open")
	}
	var runs []preview.Run
	if len(runNames) == 0 {
		runs = p.Runs()
	} else {
		for _, name := range runNames {
			run, found := p.Run(name)
			if !found {
				return nil, fmt.Errorf("Project %q has no run %q", p.Name(), name)
			}
			runs = append(runs, run)
		}
	}
	tasks := make([]*worker.Task, 0, len(runs))
	for _, run := range runs {
		task, err := g.pool.Submit(worker.Request{Run: run, Force: force}, run.Name(), nil)
		if err != nil {
			return tasks, fmt.Errorf("Unable to submit thumbnail task for run %q: %v", run.Name(), err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Placeholder renders the stand-in image used when a preview cannot be
// generated.  Placeholders are never cached.
func (g *Gallery) Placeholder(message string) (*tomo.Image, error) {
	size := g.config.targetSize()
	return preview.Placeholder(size, size, message)
}

// wrap substitutes placeholders for failed generations when configured.
// Cancelled tasks pass through so hosts can drop them silently.
func (g *Gallery) wrap(cb worker.CompletionFunc) worker.CompletionFunc {
	if cb == nil || !g.config.Preview.Placeholder {
		return cb
	}
	return func(id string, img *tomo.Image, err error) {
		if err != nil && !errors.Is(err, worker.ErrCancelled) {
			if ph, perr := g.Placeholder("no preview"); perr == nil {
				tomo.Warningf("Serving placeholder for thumbnail %s: %v\n", id, err)
				cb(id, ph, nil)
				return
			}
		}
		cb(id, img, err)
	}
}

// Cancel flags the task with the given id.
func (g *Gallery) Cancel(id string) {
	g.pool.Cancel(id)
}

// CancelAll cancels every tracked thumbnail task.
func (g *Gallery) CancelAll() {
	g.pool.ClearTasks()
}

// TaskCount returns the number of live thumbnail tasks.
func (g *Gallery) TaskCount() int {
	return g.pool.TaskCount()
}

// Info reports on the cache namespace backing this gallery.
func (g *Gallery) Info() (cache.Info, error) {
	return g.cache.Info()
}

// ClearCache removes every cached thumbnail in this gallery's namespace.
func (g *Gallery) ClearCache() error {
	return g.cache.Clear()
}

// Shutdown cancels outstanding tasks and stops the worker pool, waiting
// up to timeout for running generations to exit.
func (g *Gallery) Shutdown(timeout time.Duration) {
	g.pool.Shutdown(timeout)
}
