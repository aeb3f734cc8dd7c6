/*
	Package volume provides read access to multiscale volumetric data for
	thumbnail generation.  Volumes expose an ordered set of precomputed
	resolution levels; the preview pipeline only ever reads single decimated
	planes, so the interface is built around plane reads rather than full
	array loads.
*/
package volume

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Dtype is the numeric sample type of a volume, using the same names as
// common scientific formats, e.g., "uint8", "float32".
type Dtype string

const (
	Uint8   Dtype = "uint8"
	Uint16  Dtype = "uint16"
	Uint32  Dtype = "uint32"
	Uint64  Dtype = "uint64"
	Int8    Dtype = "int8"
	Int16   Dtype = "int16"
	Int32   Dtype = "int32"
	Float32 Dtype = "float32"
	Float64 Dtype = "float64"
)

// BytesPerSample returns the size of one sample of this type.
func (d Dtype) BytesPerSample() (int, error) {
	switch d {
	case Uint8, Int8:
		return 1, nil
	case Uint16, Int16:
		return 2, nil
	case Uint32, Int32, Float32:
		return 4, nil
	case Uint64, Float64:
		return 8, nil
	default:
		return 0, fmt.Errorf("Unknown sample type %q", d)
	}
}

// Shape is the extent of a level ordered (depth, height, width) to match
// the on-disk sample layout.
type Shape [3]int

func (s Shape) Depth() int  { return s[0] }
func (s Shape) Height() int { return s[1] }
func (s Shape) Width() int  { return s[2] }

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

// NumVoxels returns the number of voxels in a level of this shape.
func (s Shape) NumVoxels() int64 {
	return int64(s[0]) * int64(s[1]) * int64(s[2])
}

// Level describes one resolution level of a multiscale volume.
type Level struct {
	// Key is the level number with 0 the finest resolution.  Higher keys
	// are progressively more binned.
	Key int

	// Shape is the level extent ordered (depth, height, width).
	Shape Shape

	// VoxelSize is the sampling interval of this level in Ångström,
	// 0 if unknown.
	VoxelSize float64
}

// Multiscale provides read access to a volume exposed at several
// precomputed resolutions.
type Multiscale interface {
	// UID returns an identifier unique across volumes, used for keying
	// plane caches.
	UID() string

	// Dtype returns the numeric sample type of the volume.
	Dtype() Dtype

	// Channels returns the number of interleaved samples per voxel,
	// 1 for grayscale volumes and 3 or 4 for color previews.
	Channels() int

	// Levels returns the available levels ordered from finest (key 0).
	Levels() []Level

	// ReadPlane reads the plane at depth index z of the given level,
	// decimated by strides (sy, sx) along the two remaining axes.
	// Strides must be >= 1.  The channel axis is never strided.
	ReadPlane(ctx context.Context, level, z, sy, sx int) (*Plane, error)
}

// Coarsest returns the level with the highest key, which holds the most
// binned and therefore cheapest-to-read data.
func Coarsest(levels []Level) (Level, error) {
	if len(levels) == 0 {
		return Level{}, fmt.Errorf("Volume exposes no resolution levels")
	}
	coarsest := levels[0]
	for _, level := range levels[1:] {
		if level.Key > coarsest.Key {
			coarsest = level
		}
	}
	return coarsest, nil
}

// DecimatedLen returns the number of samples a stride leaves along an axis,
// matching slice-with-step semantics: ceil(n / stride).
func DecimatedLen(n, stride int) int {
	if stride < 1 {
		stride = 1
	}
	return (n + stride - 1) / stride
}

// Plane holds one decimated 2d plane of numeric samples, row-major with
// channels interleaved, little-endian.
type Plane struct {
	Dtype    Dtype
	Width    int
	Height   int
	Channels int
	Data     []byte
}

// NumSamples returns the number of samples in the plane including channels.
func (p *Plane) NumSamples() int {
	return p.Width * p.Height * p.Channels
}

// Values converts the plane samples to float64 for normalization.
func (p *Plane) Values() ([]float64, error) {
	bps, err := p.Dtype.BytesPerSample()
	if err != nil {
		return nil, err
	}
	n := p.NumSamples()
	if len(p.Data) != n*bps {
		return nil, fmt.Errorf("Plane has %d bytes, expected %d for %d %s samples",
			len(p.Data), n*bps, n, p.Dtype)
	}
	values := make([]float64, n)
	switch p.Dtype {
	case Uint8:
		for i := 0; i < n; i++ {
			values[i] = float64(p.Data[i])
		}
	case Int8:
		for i := 0; i < n; i++ {
			values[i] = float64(int8(p.Data[i]))
		}
	case Uint16:
		for i := 0; i < n; i++ {
			values[i] = float64(binary.LittleEndian.Uint16(p.Data[i*2:]))
		}
	case Int16:
		for i := 0; i < n; i++ {
			values[i] = float64(int16(binary.LittleEndian.Uint16(p.Data[i*2:])))
		}
	case Uint32:
		for i := 0; i < n; i++ {
			values[i] = float64(binary.LittleEndian.Uint32(p.Data[i*4:]))
		}
	case Int32:
		for i := 0; i < n; i++ {
			values[i] = float64(int32(binary.LittleEndian.Uint32(p.Data[i*4:])))
		}
	case Uint64:
		for i := 0; i < n; i++ {
			values[i] = float64(binary.LittleEndian.Uint64(p.Data[i*8:]))
		}
	case Float32:
		for i := 0; i < n; i++ {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p.Data[i*4:])))
		}
	case Float64:
		for i := 0; i < n; i++ {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(p.Data[i*8:]))
		}
	default:
		return nil, fmt.Errorf("Unknown sample type %q", p.Dtype)
	}
	return values, nil
}

// MarshalBinary fulfills the encoding.BinaryMarshaler interface so planes
// can be held in byte-oriented caches.
func (p *Plane) MarshalBinary() ([]byte, error) {
	var buffer bytes.Buffer
	dtype := []byte(p.Dtype)
	if err := binary.Write(&buffer, binary.LittleEndian, int32(len(dtype))); err != nil {
		return nil, err
	}
	if _, err := buffer.Write(dtype); err != nil {
		return nil, err
	}
	for _, dim := range []int{p.Width, p.Height, p.Channels} {
		if err := binary.Write(&buffer, binary.LittleEndian, int32(dim)); err != nil {
			return nil, err
		}
	}
	if _, err := buffer.Write(p.Data); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// UnmarshalBinary fulfills the encoding.BinaryUnmarshaler interface.
func (p *Plane) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return fmt.Errorf("Cannot unmarshal plane from %d bytes", len(b))
	}
	dtypeLen := int(binary.LittleEndian.Uint32(b[0:4]))
	if len(b) < 16+dtypeLen {
		return fmt.Errorf("Cannot unmarshal plane: truncated %d byte buffer", len(b))
	}
	p.Dtype = Dtype(b[4 : 4+dtypeLen])
	pos := 4 + dtypeLen
	p.Width = int(int32(binary.LittleEndian.Uint32(b[pos:])))
	p.Height = int(int32(binary.LittleEndian.Uint32(b[pos+4:])))
	p.Channels = int(int32(binary.LittleEndian.Uint32(b[pos+8:])))
	p.Data = b[pos+12:]
	return nil
}

// MemVolume is an in-memory Multiscale, used by hosts that already hold the
// volume and by tests.
type MemVolume struct {
	uid      string
	dtype    Dtype
	channels int
	levels   []Level
	data     [][]byte // per level, row-major (z, y, x, channel), little-endian
}

// NewMemVolume returns an in-memory volume after validating that each
// level's byte length matches its declared shape.
func NewMemVolume(uid string, dtype Dtype, channels int, levels []Level, data [][]byte) (*MemVolume, error) {
	if uid == "" {
		return nil, fmt.Errorf("Memory volume requires a uid")
	}
	if channels < 1 {
		channels = 1
	}
	bps, err := dtype.BytesPerSample()
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("Memory volume %q has no levels", uid)
	}
	if len(levels) != len(data) {
		return nil, fmt.Errorf("Memory volume %q has %d levels but %d data blocks", uid, len(levels), len(data))
	}
	for i, level := range levels {
		want := level.Shape.NumVoxels() * int64(bps) * int64(channels)
		if int64(len(data[i])) != want {
			return nil, fmt.Errorf("Level %d of volume %q has %d bytes, expected %d for shape %s",
				level.Key, uid, len(data[i]), want, level.Shape)
		}
	}
	return &MemVolume{uid: uid, dtype: dtype, channels: channels, levels: levels, data: data}, nil
}

func (v *MemVolume) UID() string {
	return v.uid
}

func (v *MemVolume) Dtype() Dtype {
	return v.dtype
}

func (v *MemVolume) Channels() int {
	return v.channels
}

func (v *MemVolume) Levels() []Level {
	return v.levels
}

// ReadPlane fulfills the Multiscale interface.
func (v *MemVolume) ReadPlane(ctx context.Context, level, z, sy, sx int) (*Plane, error) {
	var found *Level
	var block []byte
	for i, l := range v.levels {
		if l.Key == level {
			found = &v.levels[i]
			block = v.data[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("Volume %q has no level %d", v.uid, level)
	}
	return extractPlane(v.dtype, v.channels, found.Shape, block, z, sy, sx)
}

// extractPlane decimates one z plane out of a row-major level block.
func extractPlane(dtype Dtype, channels int, shape Shape, block []byte, z, sy, sx int) (*Plane, error) {
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
	bps, err := dtype.BytesPerSample()
	if err != nil {
		return nil, err
	}
	sampleBytes := bps * channels
	rowBytes := width * sampleBytes
	planeBytes := int64(height) * int64(rowBytes)
	planeOffset := int64(z) * planeBytes
	if planeOffset+planeBytes > int64(len(block)) {
		return nil, fmt.Errorf("Level block of %d bytes too small for plane %d of shape %s",
			len(block), z, shape)
	}

	outW := DecimatedLen(width, sx)
	outH := DecimatedLen(height, sy)
	out := make([]byte, outW*outH*sampleBytes)
	dstI := 0
	for y := 0; y < outH; y++ {
		rowOffset := planeOffset + int64(y*sy)*int64(rowBytes)
		for x := 0; x < outW; x++ {
			srcI := rowOffset + int64(x*sx*sampleBytes)
			copy(out[dstI:dstI+sampleBytes], block[srcI:srcI+int64(sampleBytes)])
			dstI += sampleBytes
		}
	}
	return &Plane{
		Dtype:    dtype,
		Width:    outW,
		Height:   outH,
		Channels: channels,
		Data:     out,
	}, nil
}
