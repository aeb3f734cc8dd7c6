/*
	Package cache persists generated thumbnails on disk, one encoded raster
	file per deterministic key.  Each hosting application gets its own
	namespace directory through a Registry so independent tools sharing a
	machine never collide.  Writes are atomic so concurrent readers never
	observe a partially written file.
*/
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	humanize "github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/cryoetlab/tomothumb/codec"
	"github.com/cryoetlab/tomothumb/tomo"
)

// ErrNotFound is returned when loading or deleting a thumbnail that has
// no cache entry.
var ErrNotFound = errors.New("thumbnail not in cache")

// Key returns the deterministic cache key for a thumbnail request.  The
// readable prefix makes cache directories inspectable; the fingerprint is
// computed over the raw identity so sanitizing can never alias two
// distinct requests to the same entry.
func Key(run, tomoType string, spacing float64, targetSize int) string {
	spacingStr := strconv.FormatFloat(spacing, 'g', -1, 64)
	h := fnv.New64a()
	for _, part := range []string{run, tomoType, spacingStr, strconv.Itoa(targetSize)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s-%s-vs%s-t%d-%016x",
		sanitizeKeyPart(run), sanitizeKeyPart(tomoType), sanitizeKeyPart(spacingStr),
		targetSize, h.Sum64())
}

func sanitizeKeyPart(part string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(part) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Cache is one namespace of the on-disk thumbnail store.
type Cache struct {
	enc     codec.Codec
	quality int

	mu   sync.RWMutex // guards root
	root string

	hot   *hotCache
	loads singleflight.Group
}

// New opens a cache rooted at the given directory, creating it if needed.
// The format string selects the codec used for entries, e.g. "png" or
// "jpg:80"; an unavailable codec fails construction immediately.  A
// positive hotMegabytes adds an in-memory layer over the disk entries.
func New(root, format string, hotMegabytes int) (*Cache, error) {
	enc, quality, err := codec.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("Unable to make cache directory %q: %v", root, err)
	}
	tomo.Debugf("Opened thumbnail cache at %q using %s codec.\n", root, enc.GetName())
	return &Cache{
		enc:     enc,
		quality: quality,
		root:    root,
		hot:     newHotCache(hotMegabytes),
	}, nil
}

// Root returns the current storage root.
func (c *Cache) Root() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root
}

func (c *Cache) entryPath(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.root, key+c.enc.Extension())
}

// Has returns true if an entry exists for the key.  Only existence is
// checked; the entry is not decoded.
func (c *Cache) Has(key string) bool {
	_, err := os.Stat(c.entryPath(key))
	return err == nil
}

// Load reads and decodes the entry for the key, or returns ErrNotFound.
// Concurrent loads of the same key share one disk read and decode.
func (c *Cache) Load(key string) (*tomo.Image, error) {
	if img := c.hot.get(key); img != nil {
		return img, nil
	}
	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		return c.loadDisk(key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tomo.Image), nil
}

func (c *Cache) loadDisk(key string) (*tomo.Image, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Unable to read cached thumbnail %q: %v", key, err)
	}
	src, err := c.enc.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("Unable to decode cached thumbnail %q: %v", key, err)
	}
	img := tomo.ConvertImage(src)
	c.hot.set(key, img)
	return img, nil
}

// Save encodes the image and writes it under the key.  The bytes go to a
// temporary file first and are renamed into place, so a concurrent Load
// sees either the old entry or the new one, never a torn write.
func (c *Cache) Save(key string, img *tomo.Image) error {
	goImg := img.Get()
	if !codec.IsValid(goImg) {
		return fmt.Errorf("Thumbnail %q has unsupported image type %T", key, goImg)
	}
	var buf bytes.Buffer
	if err := c.enc.Encode(&buf, goImg, c.quality); err != nil {
		return fmt.Errorf("Unable to encode thumbnail %q: %v", key, err)
	}
	path := c.entryPath(key)
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("Unable to write thumbnail %q: %v", key, err)
	}
	c.hot.set(key, img)
	return nil
}

// Delete removes the entry for the key, returning ErrNotFound if absent.
func (c *Cache) Delete(key string) error {
	c.hot.del(key)
	err := os.Remove(c.entryPath(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Clear removes every entry in this namespace.
func (c *Cache) Clear() error {
	c.hot.purge()
	root := c.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("Unable to read cache directory %q: %v", root, err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != c.enc.Extension() {
			continue
		}
		if err := os.Remove(filepath.Join(root, entry.Name())); err != nil {
			return fmt.Errorf("Unable to remove cached thumbnail %q: %v", entry.Name(), err)
		}
		removed++
	}
	tomo.Infof("Cleared %d thumbnails from cache at %q\n", removed, root)
	return nil
}

// Info summarizes one cache namespace.
type Info struct {
	Root    string `json:"root"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Size    string `json:"size"`

	HotAttempts uint64 `json:"hot_attempts,omitempty"`
	HotHits     uint64 `json:"hot_hits,omitempty"`
	HotEntries  uint64 `json:"hot_entries,omitempty"`
	HotBytes    uint64 `json:"hot_bytes,omitempty"`
}

// Info scans the namespace directory and returns entry count and sizes.
func (c *Cache) Info() (Info, error) {
	info := Info{Root: c.Root()}
	entries, err := os.ReadDir(info.Root)
	if err != nil {
		return info, fmt.Errorf("Unable to read cache directory %q: %v", info.Root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != c.enc.Extension() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		info.Entries++
		info.Bytes += fi.Size()
	}
	info.Size = humanize.Bytes(uint64(info.Bytes))
	info.HotAttempts, info.HotHits, info.HotEntries, info.HotBytes = c.hot.stats()
	return info, nil
}

// Reconfigure points the cache at a new storage root for subsequent
// operations.  Existing entries are not migrated; the hot layer is purged
// since its entries may shadow the new root.
func (c *Cache) Reconfigure(newRoot string) error {
	if err := os.MkdirAll(newRoot, 0755); err != nil {
		return fmt.Errorf("Unable to make cache directory %q: %v", newRoot, err)
	}
	c.mu.Lock()
	oldRoot := c.root
	c.root = newRoot
	c.mu.Unlock()
	c.hot.purge()
	tomo.Infof("Thumbnail cache moved from %q to %q\n", oldRoot, newRoot)
	return nil
}
