package gallery

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/project"
	"github.com/cryoetlab/tomothumb/tomo"
	"github.com/cryoetlab/tomothumb/volume"
	"github.com/cryoetlab/tomothumb/worker"
)

func writeTestVolume(t *testing.T, root, rel string, fill uint8) string {
	shape := volume.Shape{2, 4, 6}
	data := make([]byte, shape.NumVoxels())
	for i := range data {
		data[i] = fill + uint8(i%3)
	}
	v, err := volume.NewMemVolume(rel, volume.Uint8, 1,
		[]volume.Level{{Key: 0, Shape: shape, VoxelSize: 10}}, [][]byte{data})
	if err != nil {
		t.Fatalf("Error creating test volume: %v\n", err)
	}
	if err := volume.WriteStore(filepath.Join(root, rel), v); err != nil {
		t.Fatalf("Error writing test volume: %v\n", err)
	}
	return rel
}

// writeProjectFixture lays out a project with one populated run and one
// empty run, returning its root directory.
func writeProjectFixture(t *testing.T) string {
	root := t.TempDir()
	wbp := writeTestVolume(t, root, filepath.Join("volumes", "TS_001", "wbp"), 10)
	denoised := writeTestVolume(t, root, filepath.Join("volumes", "TS_001", "denoised"), 60)
	config := project.Config{
		Name: "Gallery Test",
		Runs: []project.RunConfig{
			{
				Name: "TS_001",
				VoxelSpacings: []project.SpacingConfig{
					{
						VoxelSize: 10.0,
						Tomograms: []project.TomogramConfig{
							{TomoType: "wbp", Volume: wbp},
							{TomoType: "denoised", Volume: denoised},
						},
					},
				},
			},
			{Name: "TS_002", VoxelSpacings: []project.SpacingConfig{}},
		},
	}
	raw, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		t.Fatalf("Error marshaling project config: %v\n", err)
	}
	if err := os.WriteFile(filepath.Join(root, project.ConfigFilename), raw, 0644); err != nil {
		t.Fatalf("Error writing project config: %v\n", err)
	}
	return root
}

func newTestGallery(t *testing.T, placeholder bool) *Gallery {
	config := DefaultConfig()
	config.Cache.Path = t.TempDir()
	config.Cache.Namespace = "testhost"
	config.Pool = PoolConfig{Workers: 2, Queue: 8}
	config.Preview.Placeholder = placeholder
	g, err := New(config)
	if err != nil {
		t.Fatalf("Error composing gallery: %v\n", err)
	}
	t.Cleanup(func() { g.Shutdown(time.Second) })
	return g
}

func waitTask(t *testing.T, task *worker.Task) (*tomo.Image, error) {
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for task %s\n", task.ID)
	}
	return task.Result()
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Cache.Namespace != "tomothumb" || c.Cache.Format != "png" {
		t.Errorf("Default cache config = %+v\n", c.Cache)
	}
	if c.Preview.TargetSize != preview.DefaultTargetSize || !c.Preview.Placeholder {
		t.Errorf("Default preview config = %+v\n", c.Preview)
	}
	if c.Pool.Workers != worker.DefaultWorkers || c.Pool.Queue != worker.DefaultQueueSize {
		t.Errorf("Default pool config = %+v\n", c.Pool)
	}
}

const testTOML = `
[logging]
logfile = "logs/tomothumb.log"
max_log_size = 50
max_log_age = 10

[cache]
path = "cachedir"
namespace = "napari"
format = "jpg:85"
hot_megabytes = 16

[preview]
target_size = 128
prefer = ["sirt", "wbp"]
placeholder = false
font = "fonts/label.ttf"

[pool]
workers = 4
queue = 32

[volume]
cache_gb = 1
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tomothumb.toml")
	if err := os.WriteFile(path, []byte(testTOML), 0644); err != nil {
		t.Fatalf("Error writing config file: %v\n", err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Error loading config: %v\n", err)
	}

	if c.Logging.Logfile != filepath.Join(dir, "logs", "tomothumb.log") {
		t.Errorf("Logfile %q was not made absolute against the config directory\n", c.Logging.Logfile)
	}
	if c.Logging.MaxSize != 50 || c.Logging.MaxAge != 10 {
		t.Errorf("Log rotation = (%d, %d), expected (50, 10)\n", c.Logging.MaxSize, c.Logging.MaxAge)
	}
	if c.Cache.Path != filepath.Join(dir, "cachedir") {
		t.Errorf("Cache path %q was not made absolute against the config directory\n", c.Cache.Path)
	}
	if c.Cache.Namespace != "napari" || c.Cache.Format != "jpg:85" || c.Cache.HotMB != 16 {
		t.Errorf("Cache config = %+v\n", c.Cache)
	}
	if c.Preview.TargetSize != 128 || c.Preview.Placeholder {
		t.Errorf("Preview config = %+v\n", c.Preview)
	}
	if len(c.Preview.Prefer) != 2 || c.Preview.Prefer[0] != "sirt" {
		t.Errorf("Preference order = %v, expected [sirt wbp]\n", c.Preview.Prefer)
	}
	if c.Preview.Font != filepath.Join(dir, "fonts", "label.ttf") {
		t.Errorf("Font path %q was not made absolute against the config directory\n", c.Preview.Font)
	}
	if c.Pool.Workers != 4 || c.Pool.Queue != 32 {
		t.Errorf("Pool config = %+v\n", c.Pool)
	}
	if c.Volume.CacheGB != 1 {
		t.Errorf("Volume cache = %d GB, expected 1\n", c.Volume.CacheGB)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("Expected error loading missing config file\n")
	}
}

func TestNewGalleryRoot(t *testing.T) {
	base := t.TempDir()
	config := DefaultConfig()
	config.Cache.Path = base
	config.Cache.Namespace = "ChimeraX Host"
	g, err := New(config)
	if err != nil {
		t.Fatalf("Error composing gallery: %v\n", err)
	}
	defer g.Shutdown(time.Second)

	want := filepath.Join(base, "chimerax_host", "thumbnails")
	if g.Cache().Root() != want {
		t.Errorf("Cache root %q, expected %q\n", g.Cache().Root(), want)
	}
	if fi, err := os.Stat(want); err != nil || !fi.IsDir() {
		t.Errorf("Cache root %q was not created\n", want)
	}
}

func TestOpenProjectScopesCache(t *testing.T) {
	g := newTestGallery(t, false)
	base := g.Config().Cache.Path
	root := writeProjectFixture(t)

	p, err := g.OpenProject(root)
	if err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}
	if g.Project() != p {
		t.Errorf("Gallery does not report the opened project\n")
	}

	cacheRoot := g.Cache().Root()
	prefix := filepath.Join(base, "testhost") + string(filepath.Separator)
	if !strings.HasPrefix(cacheRoot, prefix) {
		t.Errorf("Cache root %q not under namespace dir %q\n", cacheRoot, prefix)
	}
	if filepath.Base(cacheRoot) != "thumbnails" {
		t.Errorf("Cache root %q does not end in thumbnails\n", cacheRoot)
	}
	if !strings.Contains(cacheRoot, "gallery_test") {
		t.Errorf("Cache root %q does not embed the project identity\n", cacheRoot)
	}
}

func TestRequestRun(t *testing.T) {
	g := newTestGallery(t, false)
	if _, err := g.RequestRun("TS_001", "thumb-1", false, nil); err == nil {
		t.Fatalf("Expected error requesting a run with no project open\n")
	}

	if _, err := g.OpenProject(writeProjectFixture(t)); err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}
	if _, err := g.RequestRun("TS_404", "thumb-1", false, nil); err == nil {
		t.Fatalf("Expected error requesting an unknown run\n")
	}

	task, err := g.RequestRun("TS_001", "thumb-1", false, nil)
	if err != nil {
		t.Fatalf("Error requesting thumbnail: %v\n", err)
	}
	img, err := waitTask(t, task)
	if err != nil {
		t.Fatalf("Thumbnail task failed: %v\n", err)
	}
	if img == nil {
		t.Fatalf("Completed thumbnail task has no image\n")
	}

	info, err := g.Info()
	if err != nil {
		t.Fatalf("Error getting cache info: %v\n", err)
	}
	if info.Entries != 1 {
		t.Errorf("Cache has %d entries after one thumbnail, expected 1\n", info.Entries)
	}
}

func TestGenerateAll(t *testing.T) {
	g := newTestGallery(t, false)
	if _, err := g.GenerateAll(nil, false); err == nil {
		t.Fatalf("Expected error generating with no project open\n")
	}
	if _, err := g.OpenProject(writeProjectFixture(t)); err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}

	if _, err := g.GenerateAll([]string{"TS_404"}, false); err == nil {
		t.Fatalf("Expected error generating an unknown run\n")
	}

	tasks, err := g.GenerateAll(nil, false)
	if err != nil {
		t.Fatalf("Error generating all runs: %v\n", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("GenerateAll returned %d tasks, expected 2\n", len(tasks))
	}
	outcomes := make(map[string]error)
	for _, task := range tasks {
		_, err := waitTask(t, task)
		outcomes[task.ID] = err
	}
	if outcomes["TS_001"] != nil {
		t.Errorf("Run TS_001 failed: %v\n", outcomes["TS_001"])
	}
	if !errors.Is(outcomes["TS_002"], preview.ErrNoTomograms) {
		t.Errorf("Empty run TS_002 gave %v, expected ErrNoTomograms\n", outcomes["TS_002"])
	}

	subset, err := g.GenerateAll([]string{"TS_001"}, false)
	if err != nil {
		t.Fatalf("Error generating subset: %v\n", err)
	}
	if len(subset) != 1 || subset[0].ID != "TS_001" {
		t.Fatalf("Subset generation returned %d tasks\n", len(subset))
	}
	if _, err := waitTask(t, subset[0]); err != nil {
		t.Errorf("Subset run failed: %v\n", err)
	}
}

type callbackResult struct {
	img *tomo.Image
	err error
}

func TestPlaceholderSubstitution(t *testing.T) {
	g := newTestGallery(t, true)
	if _, err := g.OpenProject(writeProjectFixture(t)); err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}

	got := make(chan callbackResult, 1)
	task, err := g.RequestRun("TS_002", "thumb-1", false,
		func(id string, img *tomo.Image, err error) {
			got <- callbackResult{img, err}
		})
	if err != nil {
		t.Fatalf("Error requesting thumbnail: %v\n", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Errorf("Placeholder callback got error %v\n", r.err)
		}
		if r.img == nil {
			t.Errorf("Placeholder callback got no image\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for callback\n")
	}

	// The task itself still records the underlying failure.
	if _, err := waitTask(t, task); !errors.Is(err, preview.ErrNoTomograms) {
		t.Errorf("Task error %v, expected ErrNoTomograms\n", err)
	}
	info, err := g.Info()
	if err != nil {
		t.Fatalf("Error getting cache info: %v\n", err)
	}
	if info.Entries != 0 {
		t.Errorf("Placeholder was cached: %d entries\n", info.Entries)
	}
}

func TestPlaceholderDisabled(t *testing.T) {
	g := newTestGallery(t, false)
	if _, err := g.OpenProject(writeProjectFixture(t)); err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}

	got := make(chan callbackResult, 1)
	if _, err := g.RequestRun("TS_002", "thumb-1", false,
		func(id string, img *tomo.Image, err error) {
			got <- callbackResult{img, err}
		}); err != nil {
		t.Fatalf("Error requesting thumbnail: %v\n", err)
	}

	select {
	case r := <-got:
		if !errors.Is(r.err, preview.ErrNoTomograms) {
			t.Errorf("Callback error %v, expected ErrNoTomograms\n", r.err)
		}
		if r.img != nil {
			t.Errorf("Callback got an image with placeholders disabled\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for callback\n")
	}
}

func TestRequestTomogram(t *testing.T) {
	g := newTestGallery(t, false)
	p, err := g.OpenProject(writeProjectFixture(t))
	if err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}
	run, _ := p.Run("TS_001")
	tom := run.VoxelSpacings()[0].Tomograms()[0]

	task, err := g.RequestTomogram(tom, "thumb-1", false, nil)
	if err != nil {
		t.Fatalf("Error requesting tomogram thumbnail: %v\n", err)
	}
	img, err := waitTask(t, task)
	if err != nil {
		t.Fatalf("Tomogram task failed: %v\n", err)
	}
	if img == nil {
		t.Fatalf("Completed tomogram task has no image\n")
	}
}

func TestClearCache(t *testing.T) {
	g := newTestGallery(t, false)
	if _, err := g.OpenProject(writeProjectFixture(t)); err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}
	task, err := g.RequestRun("TS_001", "thumb-1", false, nil)
	if err != nil {
		t.Fatalf("Error requesting thumbnail: %v\n", err)
	}
	if _, err := waitTask(t, task); err != nil {
		t.Fatalf("Thumbnail task failed: %v\n", err)
	}

	if err := g.ClearCache(); err != nil {
		t.Fatalf("Error clearing cache: %v\n", err)
	}
	info, err := g.Info()
	if err != nil {
		t.Fatalf("Error getting cache info: %v\n", err)
	}
	if info.Entries != 0 {
		t.Errorf("Cache has %d entries after clear, expected 0\n", info.Entries)
	}
}

func TestShutdownRejectsRequests(t *testing.T) {
	g := newTestGallery(t, false)
	if _, err := g.OpenProject(writeProjectFixture(t)); err != nil {
		t.Fatalf("Error opening project: %v\n", err)
	}
	g.Shutdown(time.Second)
	if _, err := g.RequestRun("TS_001", "thumb-1", false, nil); !errors.Is(err, worker.ErrShutdown) {
		t.Errorf("Expected ErrShutdown after shutdown, got %v\n", err)
	}
}
