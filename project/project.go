/*
	Package project loads a cryo-ET project manifest and exposes its runs
	through the preview interfaces.  A project is a directory with a
	"config.json" manifest listing runs, their voxel spacings, and the
	tomogram volume directories reconstructed at each spacing.
*/
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/tomo"
	"github.com/cryoetlab/tomothumb/volume"
)

// ConfigFilename is the manifest name expected in a project directory.
const ConfigFilename = "config.json"

const configSchema = `
{
	"type": "object",
	"required": ["name", "runs"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"runs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "voxel_spacings"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"voxel_spacings": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["voxel_size", "tomograms"],
							"properties": {
								"voxel_size": {"type": "number", "exclusiveMinimum": 0},
								"tomograms": {
									"type": "array",
									"items": {
										"type": "object",
										"required": ["tomo_type", "volume"],
										"properties": {
											"tomo_type": {"type": "string", "minLength": 1},
											"volume": {"type": "string", "minLength": 1}
										}
									}
								}
							}
						}
					}
				}
			}
		}
	}
}`

var (
	compiledConfigSchema     *jsonschema.Schema
	compiledConfigSchemaOnce sync.Once
)

func getConfigSchema() (*jsonschema.Schema, error) {
	var err error
	compiledConfigSchemaOnce.Do(func() {
		compiledConfigSchema, err = jsonschema.CompileString("config.json", configSchema)
	})
	if err != nil {
		return nil, err
	}
	if compiledConfigSchema == nil {
		return nil, fmt.Errorf("Unable to compile project config schema")
	}
	return compiledConfigSchema, nil
}

// Config is the JSON manifest of a project.
type Config struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Runs        []RunConfig `json:"runs"`
}

// RunConfig describes one run in the manifest.
type RunConfig struct {
	Name          string          `json:"name"`
	VoxelSpacings []SpacingConfig `json:"voxel_spacings"`
}

// SpacingConfig groups the tomograms of a run at one voxel spacing.
type SpacingConfig struct {
	VoxelSize float64          `json:"voxel_size"` // Ångström
	Tomograms []TomogramConfig `json:"tomograms"`
}

// TomogramConfig describes one reconstruction and its volume directory,
// relative to the project root unless absolute.
type TomogramConfig struct {
	TomoType string `json:"tomo_type"`
	Volume   string `json:"volume"`
}

// Project is a loaded manifest with lazily opened volumes.
type Project struct {
	name string
	root string
	id   string
	runs []*Run

	planeCacheMB int

	volMu   sync.Mutex
	volumes map[string]volume.Multiscale
}

// Load reads and validates a project manifest.  The path may name either
// the manifest file or the directory holding a "config.json".
func Load(path string) (*Project, error) {
	timedLog := tomo.NewTimeLog()
	configPath := path
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		configPath = filepath.Join(path, ConfigFilename)
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("Unable to read project config %q: %v", configPath, err)
	}

	sch, err := getConfigSchema()
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("Project config %q is not valid JSON: %v", configPath, err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, fmt.Errorf("Project config %q fails validation: %v", configPath, err)
	}

	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		absPath = configPath
	}
	p := &Project{
		name:    config.Name,
		root:    filepath.Dir(absPath),
		id:      projectID(config.Name, absPath),
		volumes: make(map[string]volume.Multiscale),
	}

	seen := make(map[string]struct{}, len(config.Runs))
	for _, rc := range config.Runs {
		if _, dup := seen[rc.Name]; dup {
			return nil, fmt.Errorf("Project config %q lists run %q more than once", configPath, rc.Name)
		}
		seen[rc.Name] = struct{}{}
		run := &Run{p: p, name: rc.Name}
		for _, sc := range rc.VoxelSpacings {
			vs := &VoxelSpacing{spacing: sc.VoxelSize}
			for _, tc := range sc.Tomograms {
				vs.tomos = append(vs.tomos, &Tomogram{
					p:       p,
					run:     rc.Name,
					typ:     tc.TomoType,
					spacing: sc.VoxelSize,
					path:    tc.Volume,
				})
			}
			run.spacings = append(run.spacings, vs)
		}
		p.runs = append(p.runs, run)
	}
	timedLog.Infof("Loaded project %q with %d runs from %q", p.name, len(p.runs), configPath)
	return p, nil
}

// projectID builds a stable identifier safe for directory names.  Distinct
// projects sharing a display name stay distinct through the path hash.
func projectID(name, absPath string) string {
	h := fnv.New32a()
	h.Write([]byte(absPath))
	return fmt.Sprintf("%s-%08x", sanitizeName(name), h.Sum32())
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Name returns the project display name from the manifest.
func (p *Project) Name() string {
	return p.name
}

// ID returns an identifier usable as a cache namespace directory.
func (p *Project) ID() string {
	return p.id
}

// Root returns the directory holding the manifest.
func (p *Project) Root() string {
	return p.root
}

// Runs returns all runs in manifest order.
func (p *Project) Runs() []preview.Run {
	runs := make([]preview.Run, len(p.runs))
	for i, r := range p.runs {
		runs[i] = r
	}
	return runs
}

// Run returns the named run or false if the project has none.
func (p *Project) Run(name string) (preview.Run, bool) {
	for _, r := range p.runs {
		if r.name == name {
			return r, true
		}
	}
	return nil, false
}

// UsePlaneCache routes plane reads of subsequently opened volumes through
// a shared in-memory cache of the given size.  Zero disables wrapping.
func (p *Project) UsePlaneCache(megabytes int) {
	p.volMu.Lock()
	p.planeCacheMB = megabytes
	p.volMu.Unlock()
}

// openVolume opens a volume directory once and reuses it afterwards.
func (p *Project) openVolume(path string) (volume.Multiscale, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}
	p.volMu.Lock()
	defer p.volMu.Unlock()
	if vol, found := p.volumes[path]; found {
		return vol, nil
	}
	store, err := volume.OpenStore(path)
	if err != nil {
		return nil, err
	}
	var vol volume.Multiscale = store
	if p.planeCacheMB > 0 {
		vol = volume.WrapWithCache(vol, p.planeCacheMB)
	}
	p.volumes[path] = vol
	return vol, nil
}

// Run is one acquisition listed in the manifest.
type Run struct {
	p        *Project
	name     string
	spacings []*VoxelSpacing
}

func (r *Run) Name() string { return r.name }

// VoxelSpacings fulfills preview.Run.
func (r *Run) VoxelSpacings() []preview.VoxelSpacing {
	spacings := make([]preview.VoxelSpacing, len(r.spacings))
	for i, vs := range r.spacings {
		spacings[i] = vs
	}
	return spacings
}

// VoxelSpacing groups a run's tomograms at one sampling interval.
type VoxelSpacing struct {
	spacing float64
	tomos   []*Tomogram
}

func (vs *VoxelSpacing) Spacing() float64 { return vs.spacing }

// Tomograms fulfills preview.VoxelSpacing.
func (vs *VoxelSpacing) Tomograms() []preview.Tomogram {
	tomos := make([]preview.Tomogram, len(vs.tomos))
	for i, t := range vs.tomos {
		tomos[i] = t
	}
	return tomos
}

// Tomogram is one reconstruction listed in the manifest.
type Tomogram struct {
	p       *Project
	run     string
	typ     string
	spacing float64
	path    string
}

func (t *Tomogram) RunName() string  { return t.run }
func (t *Tomogram) Type() string     { return t.typ }
func (t *Tomogram) Spacing() float64 { return t.spacing }

// Volume fulfills preview.Tomogram by opening the configured directory.
func (t *Tomogram) Volume(ctx context.Context) (volume.Multiscale, error) {
	return t.p.openVolume(t.path)
}
