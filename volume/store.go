/*
	This file implements Multiscale for volumes laid out in a local directory:
	an "info" JSON file describing the levels plus one flat binary file per
	level.  Level files hold row-major (z, y, x, channel) samples in
	little-endian order, either raw or gzip-compressed.  The layout favors
	plane reads: raw level files are read a row at a time so a thumbnail
	touches only the bytes it needs.
*/

package volume

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cryoetlab/tomothumb/tomo"
)

// InfoFilename is the name of the metadata file in a volume directory.
const InfoFilename = "info"

// storeTypeID marks a directory as holding a multiscale volume in this layout.
const storeTypeID = "tomothumb_multiscale_volume"

const infoSchema = `
{
	"type": "object",
	"required": ["@type", "data_type", "scales"],
	"properties": {
		"@type": {"const": "tomothumb_multiscale_volume"},
		"data_type": {
			"enum": ["uint8", "uint16", "uint32", "uint64", "int8", "int16", "int32", "float32", "float64"]
		},
		"num_channels": {"type": "integer", "minimum": 1, "maximum": 4},
		"scales": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["key", "shape"],
				"properties": {
					"key": {"type": "string", "pattern": "^[0-9]+$"},
					"shape": {
						"type": "array",
						"minItems": 3,
						"maxItems": 3,
						"items": {"type": "integer", "minimum": 1}
					},
					"voxel_size": {"type": "number", "exclusiveMinimum": 0},
					"encoding": {"enum": ["raw", "gzip"]}
				}
			}
		}
	}
}`

var (
	compiledInfoSchema     *jsonschema.Schema
	compiledInfoSchemaOnce sync.Once
)

func getInfoSchema() (*jsonschema.Schema, error) {
	var err error
	compiledInfoSchemaOnce.Do(func() {
		compiledInfoSchema, err = jsonschema.CompileString("info.json", infoSchema)
	})
	if err != nil {
		return nil, err
	}
	if compiledInfoSchema == nil {
		return nil, fmt.Errorf("Unable to compile volume info schema")
	}
	return compiledInfoSchema, nil
}

type storeScale struct {
	Key       string  `json:"key"`                  // level number as string, also the file name
	Shape     [3]int  `json:"shape"`                // (depth, height, width)
	VoxelSize float64 `json:"voxel_size,omitempty"` // Ångström
	Encoding  string  `json:"encoding,omitempty"`   // "raw" (default) or "gzip"
}

type storeInfo struct {
	StoreType   string       `json:"@type"` // must be "tomothumb_multiscale_volume"
	DataType    string       `json:"data_type"`
	NumChannels int          `json:"num_channels,omitempty"`
	Scales      []storeScale `json:"scales"`
}

// Store is a Multiscale backed by a local volume directory.
type Store struct {
	root     string
	uid      string
	dtype    Dtype
	channels int
	levels   []Level
	files    map[int]storeScale // level key -> scale entry

	gzipMu     sync.Mutex
	gzipPlanes map[int][]byte // whole decompressed level for gzip encoding
}

// OpenStore opens a volume directory, validating its info file against the
// layout schema before trusting any of it.
func OpenStore(root string) (*Store, error) {
	timedLog := tomo.NewTimeLog()
	infoPath := filepath.Join(root, InfoFilename)
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, fmt.Errorf("Unable to read volume info %q: %v", infoPath, err)
	}

	sch, err := getInfoSchema()
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("Volume info %q is not valid JSON: %v", infoPath, err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, fmt.Errorf("Volume info %q fails validation: %v", infoPath, err)
	}

	var info storeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	s, err := newStore(root, info)
	if err != nil {
		return nil, err
	}
	timedLog.Debugf("Opened %d-level volume at %q", len(s.levels), root)
	return s, nil
}

func newStore(root string, info storeInfo) (*Store, error) {
	if info.StoreType != storeTypeID {
		return nil, fmt.Errorf("Volume store type %q != %q", info.StoreType, storeTypeID)
	}
	channels := info.NumChannels
	if channels == 0 {
		channels = 1
	}
	dtype := Dtype(info.DataType)
	if _, err := dtype.BytesPerSample(); err != nil {
		return nil, err
	}

	s := &Store{
		root:       root,
		uid:        root,
		dtype:      dtype,
		channels:   channels,
		files:      make(map[int]storeScale, len(info.Scales)),
		gzipPlanes: make(map[int][]byte),
	}
	for n, scale := range info.Scales {
		var key int
		if _, err := fmt.Sscanf(scale.Key, "%d", &key); err != nil {
			return nil, fmt.Errorf("Scale %d has non-numeric key %q", n, scale.Key)
		}
		if _, dup := s.files[key]; dup {
			return nil, fmt.Errorf("Scale key %q appears more than once", scale.Key)
		}
		switch scale.Encoding {
		case "", "raw", "gzip":
		default:
			return nil, fmt.Errorf("Scale %q has unexpected encoding %q", scale.Key, scale.Encoding)
		}
		s.files[key] = scale
		s.levels = append(s.levels, Level{
			Key:       key,
			Shape:     Shape{scale.Shape[0], scale.Shape[1], scale.Shape[2]},
			VoxelSize: scale.VoxelSize,
		})
	}
	return s, nil
}

func (s *Store) UID() string {
	return s.uid
}

func (s *Store) Dtype() Dtype {
	return s.dtype
}

func (s *Store) Channels() int {
	return s.channels
}

func (s *Store) Levels() []Level {
	return s.levels
}

// ReadPlane fulfills the Multiscale interface.
func (s *Store) ReadPlane(ctx context.Context, level, z, sy, sx int) (*Plane, error) {
	scale, found := s.files[level]
	if !found {
		return nil, fmt.Errorf("Volume at %q has no level %d", s.root, level)
	}
	shape := Shape{scale.Shape[0], scale.Shape[1], scale.Shape[2]}
	if scale.Encoding == "gzip" {
		block, err := s.gzipLevel(level, scale)
		if err != nil {
			return nil, err
		}
		return extractPlane(s.dtype, s.channels, shape, block, z, sy, sx)
	}
	return s.readRawPlane(scale, shape, z, sy, sx)
}

// readRawPlane reads only the decimated rows of the requested plane.
func (s *Store) readRawPlane(scale storeScale, shape Shape, z, sy, sx int) (*Plane, error) {
	if sy < 1 {
		sy = 1
	}
	if sx < 1 {
		sx = 1
	}
	depth, height, width := shape.Depth(), shape.Height(), shape.Width()
	if z < 0 || z >= depth {
		return nil, fmt.Errorf("Plane %d outside volume depth %d", z, depth)
	}
	bps, err := s.dtype.BytesPerSample()
	if err != nil {
		return nil, err
	}
	sampleBytes := bps * s.channels
	rowBytes := width * sampleBytes
	planeOffset := int64(z) * int64(height) * int64(rowBytes)

	f, err := os.Open(filepath.Join(s.root, scale.Key))
	if err != nil {
		return nil, fmt.Errorf("Unable to open level %q of volume at %q: %v", scale.Key, s.root, err)
	}
	defer f.Close()

	outW := DecimatedLen(width, sx)
	outH := DecimatedLen(height, sy)
	row := make([]byte, rowBytes)
	out := make([]byte, outW*outH*sampleBytes)
	dstI := 0
	for y := 0; y < outH; y++ {
		rowOffset := planeOffset + int64(y*sy)*int64(rowBytes)
		if _, err := f.ReadAt(row, rowOffset); err != nil {
			return nil, fmt.Errorf("Unable to read row %d of plane %d in level %q: %v", y*sy, z, scale.Key, err)
		}
		for x := 0; x < outW; x++ {
			srcI := x * sx * sampleBytes
			copy(out[dstI:dstI+sampleBytes], row[srcI:srcI+sampleBytes])
			dstI += sampleBytes
		}
	}
	return &Plane{
		Dtype:    s.dtype,
		Width:    outW,
		Height:   outH,
		Channels: s.channels,
		Data:     out,
	}, nil
}

// gzipLevel decompresses and caches a gzip-encoded level.  Thumbnails read
// the coarsest level, so the decompressed block stays small.
func (s *Store) gzipLevel(level int, scale storeScale) ([]byte, error) {
	s.gzipMu.Lock()
	defer s.gzipMu.Unlock()
	if block, found := s.gzipPlanes[level]; found {
		return block, nil
	}
	f, err := os.Open(filepath.Join(s.root, scale.Key))
	if err != nil {
		return nil, fmt.Errorf("Unable to open level %q of volume at %q: %v", scale.Key, s.root, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("Level %q of volume at %q is not gzip data: %v", scale.Key, s.root, err)
	}
	defer zr.Close()
	block, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("Unable to decompress level %q of volume at %q: %v", scale.Key, s.root, err)
	}
	s.gzipPlanes[level] = block
	return block, nil
}

// WriteStore writes a memory volume into the local directory layout,
// creating the directory if needed.  Level files are written raw.
// It exists for export tooling and tests.
func WriteStore(root string, v *MemVolume) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	info := storeInfo{
		StoreType:   storeTypeID,
		DataType:    string(v.dtype),
		NumChannels: v.channels,
	}
	for i, level := range v.levels {
		key := fmt.Sprintf("%d", level.Key)
		info.Scales = append(info.Scales, storeScale{
			Key:       key,
			Shape:     [3]int{level.Shape[0], level.Shape[1], level.Shape[2]},
			VoxelSize: level.VoxelSize,
			Encoding:  "raw",
		})
		if err := os.WriteFile(filepath.Join(root, key), v.data[i], 0644); err != nil {
			return err
		}
	}
	raw, err := json.MarshalIndent(info, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, InfoFilename), raw, 0644)
}
