package gallery

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/tomo"
	"github.com/cryoetlab/tomothumb/worker"
)

const (
	// DefaultNamespace is the cache namespace used when the configuration
	// does not name the hosting application.
	DefaultNamespace = "tomothumb"

	// DefaultFormat is the codec used for cache entries unless configured.
	DefaultFormat = "png"
)

// Config is the parsed TOML configuration for a gallery.  Hosts can also
// build one programmatically, starting from DefaultConfig.
type Config struct {
	Logging tomo.LogConfig
	Cache   CacheConfig
	Preview PreviewConfig
	Pool    PoolConfig
	Volume  VolumeConfig
}

// CacheConfig is the [cache] section.
type CacheConfig struct {
	// Path is the base directory holding per-application namespaces.
	// Empty selects a "tomothumb" directory under the user cache dir.
	Path string

	// Namespace isolates this host's thumbnails from other applications
	// sharing the same base directory.
	Namespace string

	// Format is the codec spec for entries, e.g. "png" or "jpg:80".
	Format string

	// HotMB sizes the in-memory layer over the disk entries, in MiB.
	// Zero disables it.
	HotMB int `toml:"hot_megabytes"`
}

// PreviewConfig is the [preview] section.
type PreviewConfig struct {
	TargetSize int `toml:"target_size"`

	// Prefer orders reconstruction types from most to least desirable.
	Prefer []string

	// Placeholder substitutes a rendered stand-in image for failed
	// generations so galleries always have something to show.
	Placeholder bool

	// Font is a TTF file used for placeholder label text.  Empty leaves
	// placeholders unlabeled.
	Font string
}

// PoolConfig is the [pool] section.
type PoolConfig struct {
	Workers int
	Queue   int
}

// VolumeConfig is the [volume] section.
type VolumeConfig struct {
	// CacheGB sizes the shared read-through cache for volume plane
	// reads, in GiB.  Zero disables it.
	CacheGB int `toml:"cache_gb"`
}

// DefaultConfig returns the configuration used when no TOML file is given.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Namespace: DefaultNamespace,
			Format:    DefaultFormat,
		},
		Preview: PreviewConfig{
			TargetSize:  preview.DefaultTargetSize,
			Placeholder: true,
		},
		Pool: PoolConfig{
			Workers: worker.DefaultWorkers,
			Queue:   worker.DefaultQueueSize,
		},
	}
}

// LoadConfig reads gallery configuration from a TOML file.  Settings not
// present keep their defaults, and relative paths are made absolute
// against the TOML file's own directory.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig()
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("Unable to decode TOML config %q: %v", filename, err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, err
	}
	tomo.Debugf("Loaded gallery config from %q\n", filename)
	return c, nil
}

// Some settings in the TOML can be given as relative paths.  This converts
// them in-place to absolute paths relative to the TOML file's directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return fmt.Errorf("Unable to resolve config directory for %q: %v", configPath, err)
	}
	c.Logging.Logfile = convertToAbsolute(c.Logging.Logfile, configDir)
	c.Cache.Path = convertToAbsolute(c.Cache.Path, configDir)
	c.Preview.Font = convertToAbsolute(c.Preview.Font, configDir)
	return nil
}

func convertToAbsolute(path, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// cacheBase returns the configured cache base directory, falling back to
// a "tomothumb" directory under the platform user cache dir.
func (c *Config) cacheBase() (string, error) {
	if c.Cache.Path != "" {
		return c.Cache.Path, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("No cache path configured and no user cache directory: %v", err)
	}
	return filepath.Join(dir, "tomothumb"), nil
}

func (c *Config) namespace() string {
	if c.Cache.Namespace == "" {
		return DefaultNamespace
	}
	return c.Cache.Namespace
}

func (c *Config) format() string {
	if c.Cache.Format == "" {
		return DefaultFormat
	}
	return c.Cache.Format
}

func (c *Config) targetSize() int {
	if c.Preview.TargetSize <= 0 {
		return preview.DefaultTargetSize
	}
	return c.Preview.TargetSize
}
