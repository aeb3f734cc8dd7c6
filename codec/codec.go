/*
	Package codec provides the raster codecs used to persist thumbnails.
	Codecs register themselves on package initialization; the thumbnail
	cache asks for one by name and fails fast if it isn't available.
*/
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"

	"github.com/blang/semver"

	"github.com/cryoetlab/tomothumb/tomo"
)

// DefaultJPEGQuality is the quality of encoded images if requesting JPEG
// output and an explicit quality amount is omitted.
const DefaultJPEGQuality = 80

// DefaultCodecName is used by caches when no codec is configured.
const DefaultCodecName = "png"

// ErrNoCodec is returned when a requested codec has not been registered.
var ErrNoCodec = errors.New("no such image codec")

// Codec is the interface for raster formats that can persist thumbnails.
type Codec interface {
	fmt.Stringer

	// GetName returns the name of the codec, e.g., "png".
	GetName() string

	// GetDescription gives a more detailed description of the codec.
	GetDescription() string

	// GetSemVer returns the semantic versioning info.
	GetSemVer() semver.Version

	// Extension returns the file extension including the dot, e.g., ".png".
	Extension() string

	// Encode writes img in this codec's format.  A zero quality selects
	// the codec's default for lossy formats and is ignored by lossless ones.
	Encode(w io.Writer, img image.Image, quality int) error

	// Decode reads an image in this codec's format.
	Decode(r io.Reader) (image.Image, error)

	// MagicMatch returns true if the given bytes begin with this codec's
	// file signature.
	MagicMatch(data []byte) bool
}

var availCodecs map[string]Codec

// RegisterCodec registers a codec for use.
func RegisterCodec(c Codec) {
	tomo.Debugf("Codec %q registered.\n", c)
	if availCodecs == nil {
		availCodecs = map[string]Codec{c.GetName(): c}
	} else {
		availCodecs[c.GetName()] = c
	}
}

// GetCodec returns a codec of the given name or ErrNoCodec.
func GetCodec(name string) (Codec, error) {
	if availCodecs == nil {
		return nil, ErrNoCodec
	}
	c, found := availCodecs[name]
	if !found {
		return nil, fmt.Errorf("codec %q: %w", name, ErrNoCodec)
	}
	return c, nil
}

// DefaultCodec returns the codec used when none is configured.
func DefaultCodec() (Codec, error) {
	return GetCodec(DefaultCodecName)
}

// CodecAvailable returns true if a codec of the given name has been registered.
func CodecAvailable(name string) bool {
	_, found := availCodecs[name]
	return found
}

// EnabledCodecs returns a description of the codecs registered.
func EnabledCodecs() string {
	var names []string
	for _, c := range availCodecs {
		names = append(names, c.String())
	}
	return strings.Join(names, "; ")
}

// Probe returns the codec whose file signature matches the given bytes.
func Probe(data []byte) (Codec, error) {
	for _, c := range availCodecs {
		if c.MagicMatch(data) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unrecognized image data (%d bytes): %w", len(data), ErrNoCodec)
}

// DecodeBytes probes the format of encoded raster bytes and decodes them.
func DecodeBytes(data []byte) (image.Image, Codec, error) {
	c, err := Probe(data)
	if err != nil {
		return nil, nil, err
	}
	img, err := c.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding %s data: %v", c.GetName(), err)
	}
	return img, c, nil
}

// ParseFormat parses a format string like "png" or "jpg:80" into a
// registered codec and quality setting.  An empty string selects the
// default codec.
func ParseFormat(formatStr string) (Codec, int, error) {
	format := strings.Split(formatStr, ":")
	quality := 0
	if len(format) > 1 {
		var err error
		quality, err = strconv.Atoi(format[1])
		if err != nil {
			return nil, 0, fmt.Errorf("bad quality in image format %q: %v", formatStr, err)
		}
	}
	name := format[0]
	switch name {
	case "":
		name = DefaultCodecName
	case "jpeg":
		name = "jpg"
	case "tif":
		name = "tiff"
	}
	c, err := GetCodec(name)
	if err != nil {
		return nil, 0, err
	}
	return c, quality, nil
}

// EncodeFormat writes an image using a format and optional quality
// specified in a string, e.g., "png", "jpg:80".
func EncodeFormat(w io.Writer, img image.Image, formatStr string) error {
	c, quality, err := ParseFormat(formatStr)
	if err != nil {
		return err
	}
	return c.Encode(w, img, quality)
}

// IsValid returns true if the image is a type the thumbnail pipeline can
// persist: 8/16-bit grayscale or color with 3 or 4 channels.
func IsValid(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16, *image.RGBA, *image.NRGBA, *image.NRGBA64:
		return true
	default:
		return false
	}
}
