package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cryoetlab/tomothumb/tomo"
)

func testImage(t *testing.T, nx, ny int) *tomo.Image {
	data := make([]uint8, nx*ny)
	for i := range data {
		data[i] = uint8(i * 7 % 256)
	}
	var img tomo.Image
	if err := img.Set(tomo.ImageGrayFromData(data, nx, ny)); err != nil {
		t.Fatalf("Error making test image: %v\n", err)
	}
	return &img
}

func TestKeyDeterminism(t *testing.T) {
	k1 := Key("TS_001", "wbp", 10.0, 200)
	k2 := Key("TS_001", "wbp", 10.0, 200)
	if k1 != k2 {
		t.Errorf("Identical requests gave keys %q and %q\n", k1, k2)
	}
	if !strings.HasPrefix(k1, "ts_001-wbp-vs10-t200-") {
		t.Errorf("Key %q does not have expected readable prefix\n", k1)
	}

	distinct := []string{
		k1,
		Key("TS_002", "wbp", 10.0, 200),
		Key("TS_001", "denoised", 10.0, 200),
		Key("TS_001", "wbp", 12.5, 200),
		Key("TS_001", "wbp", 10.0, 300),
	}
	seen := make(map[string]int)
	for i, k := range distinct {
		if j, dup := seen[k]; dup {
			t.Errorf("Requests %d and %d aliased to key %q\n", i, j, k)
		}
		seen[k] = i
	}
}

func TestKeySanitizeNoAlias(t *testing.T) {
	// Both run names sanitize to "ts_001" but the fingerprint differs.
	k1 := Key("TS 001", "wbp", 10.0, 200)
	k2 := Key("TS_001", "wbp", 10.0, 200)
	if k1 == k2 {
		t.Errorf("Sanitized runs aliased to key %q\n", k1)
	}
}

func TestNewBadCodec(t *testing.T) {
	if _, err := New(t.TempDir(), "webp", 0); err == nil {
		t.Errorf("Expected error constructing cache with unavailable codec\n")
	}
	if _, err := New(t.TempDir(), "jpg:high", 0); err == nil {
		t.Errorf("Expected error constructing cache with bad quality\n")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c, err := New(t.TempDir(), "png", 0)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	key := Key("TS_001", "wbp", 10.0, 200)
	img := testImage(t, 20, 15)

	if c.Has(key) {
		t.Errorf("Empty cache claims to have %q\n", key)
	}
	if _, err := c.Load(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound loading missing entry, got %v\n", err)
	}

	if err := c.Save(key, img); err != nil {
		t.Fatalf("Error saving thumbnail: %v\n", err)
	}
	if !c.Has(key) {
		t.Errorf("Cache missing %q after save\n", key)
	}
	loaded, err := c.Load(key)
	if err != nil {
		t.Fatalf("Error loading thumbnail: %v\n", err)
	}
	if !bytes.Equal(loaded.Data(), img.Data()) {
		t.Errorf("Loaded thumbnail pixels do not match saved thumbnail\n")
	}
}

func TestConcurrentLoad(t *testing.T) {
	c, err := New(t.TempDir(), "png", 0)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	key := Key("TS_001", "wbp", 10.0, 200)
	img := testImage(t, 20, 15)
	if err := c.Save(key, img); err != nil {
		t.Fatalf("Error saving thumbnail: %v\n", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded, err := c.Load(key)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(loaded.Data(), img.Data()) {
				errs <- errors.New("loaded pixels do not match")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent load failed: %v\n", err)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "png", 0)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	key := Key("TS_001", "wbp", 10.0, 200)
	if err := c.Save(key, testImage(t, 8, 8)); err != nil {
		t.Fatalf("Error saving thumbnail: %v\n", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("Error reading cache dir: %v\n", err)
	}
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("Cache dir holds %v, expected exactly one entry file\n", names)
	}
	if entries[0].Name() != key+".png" {
		t.Errorf("Cache entry named %q, expected %q\n", entries[0].Name(), key+".png")
	}
}

func TestDelete(t *testing.T) {
	c, err := New(t.TempDir(), "png", 0)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	key := Key("TS_001", "wbp", 10.0, 200)
	if err := c.Save(key, testImage(t, 8, 8)); err != nil {
		t.Fatalf("Error saving thumbnail: %v\n", err)
	}
	if err := c.Delete(key); err != nil {
		t.Fatalf("Error deleting thumbnail: %v\n", err)
	}
	if c.Has(key) {
		t.Errorf("Cache still has %q after delete\n", key)
	}
	if err := c.Delete(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v\n", err)
	}
}

func TestClearAndInfo(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "png", 0)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	keys := []string{
		Key("TS_001", "wbp", 10.0, 200),
		Key("TS_002", "wbp", 10.0, 200),
		Key("TS_003", "denoised", 20.0, 200),
	}
	for _, key := range keys {
		if err := c.Save(key, testImage(t, 16, 16)); err != nil {
			t.Fatalf("Error saving thumbnail %q: %v\n", key, err)
		}
	}
	// A stray non-entry file must not count as a thumbnail.
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0644); err != nil {
		t.Fatalf("Error writing stray file: %v\n", err)
	}

	info, err := c.Info()
	if err != nil {
		t.Fatalf("Error getting cache info: %v\n", err)
	}
	if info.Entries != 3 {
		t.Errorf("Cache info reports %d entries, expected 3\n", info.Entries)
	}
	if info.Bytes <= 0 {
		t.Errorf("Cache info reports %d bytes, expected > 0\n", info.Bytes)
	}
	if info.Root != root {
		t.Errorf("Cache info root %q, expected %q\n", info.Root, root)
	}
	if info.Size == "" {
		t.Errorf("Cache info has empty human-readable size\n")
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Error clearing cache: %v\n", err)
	}
	info, err = c.Info()
	if err != nil {
		t.Fatalf("Error getting cache info after clear: %v\n", err)
	}
	if info.Entries != 0 {
		t.Errorf("Cache info reports %d entries after clear, expected 0\n", info.Entries)
	}
	for _, key := range keys {
		if c.Has(key) {
			t.Errorf("Cache still has %q after clear\n", key)
		}
	}
}

func TestReconfigure(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	c, err := New(rootA, "png", 1)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	key := Key("TS_001", "wbp", 10.0, 200)
	if err := c.Save(key, testImage(t, 8, 8)); err != nil {
		t.Fatalf("Error saving thumbnail: %v\n", err)
	}

	if err := c.Reconfigure(rootB); err != nil {
		t.Fatalf("Error reconfiguring cache: %v\n", err)
	}
	if c.Root() != rootB {
		t.Errorf("Cache root %q after reconfigure, expected %q\n", c.Root(), rootB)
	}
	// The old entry must not surface through disk or the hot layer.
	if c.Has(key) {
		t.Errorf("Reconfigured cache claims to have entry from old root\n")
	}
	if _, err := c.Load(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after reconfigure, got %v\n", err)
	}
	// The old root keeps its entries.
	if _, err := os.Stat(filepath.Join(rootA, key+".png")); err != nil {
		t.Errorf("Old root lost its entry after reconfigure: %v\n", err)
	}
}

func TestHotLayer(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "png", 1)
	if err != nil {
		t.Fatalf("Error making cache: %v\n", err)
	}
	key := Key("TS_001", "wbp", 10.0, 200)
	img := testImage(t, 16, 16)
	if err := c.Save(key, img); err != nil {
		t.Fatalf("Error saving thumbnail: %v\n", err)
	}

	// Remove the disk entry behind the cache's back: a load that still
	// succeeds must have come from the hot layer.
	if err := os.Remove(filepath.Join(root, key+".png")); err != nil {
		t.Fatalf("Error removing disk entry: %v\n", err)
	}
	loaded, err := c.Load(key)
	if err != nil {
		t.Fatalf("Expected hot layer hit, got %v\n", err)
	}
	if !bytes.Equal(loaded.Data(), img.Data()) {
		t.Errorf("Hot layer thumbnail pixels do not match saved thumbnail\n")
	}

	info, err := c.Info()
	if err != nil {
		t.Fatalf("Error getting cache info: %v\n", err)
	}
	if info.HotAttempts == 0 || info.HotHits == 0 {
		t.Errorf("Hot layer stats = %d attempts, %d hits, expected both > 0\n",
			info.HotAttempts, info.HotHits)
	}
	if info.HotEntries != 1 {
		t.Errorf("Hot layer holds %d entries, expected 1\n", info.HotEntries)
	}

	// Delete must clear the hot layer too.
	if err := c.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("Error deleting thumbnail: %v\n", err)
	}
	if _, err := c.Load(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v\n", err)
	}
}

func TestRegistry(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(base, "png", 0)

	if _, found := r.Get("chimerax"); found {
		t.Errorf("Lookup of unregistered namespace succeeded\n")
	}

	c1, err := r.Register("chimerax")
	if err != nil {
		t.Fatalf("Error registering namespace: %v\n", err)
	}
	expected := filepath.Join(base, "chimerax", "thumbnails")
	if c1.Root() != expected {
		t.Errorf("Namespace root %q, expected %q\n", c1.Root(), expected)
	}
	if fi, err := os.Stat(expected); err != nil || !fi.IsDir() {
		t.Errorf("Namespace directory was not created: %v\n", err)
	}

	c2, err := r.Register("chimerax")
	if err != nil {
		t.Fatalf("Error re-registering namespace: %v\n", err)
	}
	if c1 != c2 {
		t.Errorf("Re-registering a namespace made a second cache\n")
	}
	got, found := r.Get("chimerax")
	if !found || got != c1 {
		t.Errorf("Lookup after register returned %v, %v\n", got, found)
	}

	if _, err := r.Register("napari"); err != nil {
		t.Fatalf("Error registering second namespace: %v\n", err)
	}
	names := r.Namespaces()
	if len(names) != 2 || names[0] != "chimerax" || names[1] != "napari" {
		t.Errorf("Namespaces = %v, expected [chimerax napari]\n", names)
	}

	if _, err := r.Register(""); err == nil {
		t.Errorf("Expected error registering empty namespace\n")
	}
}

func TestRegistryUpdateProject(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(base, "png", 0)
	c, err := r.Register("chimerax")
	if err != nil {
		t.Fatalf("Error registering namespace: %v\n", err)
	}

	if err := r.UpdateProject("chimerax", "lamella_a-1f2e3d4c"); err != nil {
		t.Fatalf("Error scoping namespace to project: %v\n", err)
	}
	expected := filepath.Join(base, "chimerax", "lamella_a_1f2e3d4c", "thumbnails")
	if c.Root() != expected {
		t.Errorf("Project-scoped root %q, expected %q\n", c.Root(), expected)
	}

	// An empty identity returns to the project-independent root.
	if err := r.UpdateProject("chimerax", ""); err != nil {
		t.Fatalf("Error unscoping namespace: %v\n", err)
	}
	if c.Root() != filepath.Join(base, "chimerax", "thumbnails") {
		t.Errorf("Unscoped root %q\n", c.Root())
	}

	if err := r.UpdateProject("napari", "x"); err == nil {
		t.Errorf("Expected error scoping unregistered namespace\n")
	}
}
