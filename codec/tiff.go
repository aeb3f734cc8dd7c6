package codec

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/blang/semver"
	"github.com/janelia-flyem/go/go.image/tiff"

	"github.com/cryoetlab/tomothumb/tomo"
)

func init() {
	ver, err := semver.Make("1.0.0")
	if err != nil {
		tomo.Errorf("Unable to make semver in tiff codec: %v\n", err)
	}
	RegisterCodec(tiffCodec{"tiff", "Tagged Image File Format (deflate)", ver})
}

var tiffMagicLE = []byte{'I', 'I', 0x2a, 0x00}
var tiffMagicBE = []byte{'M', 'M', 0x00, 0x2a}

type tiffCodec struct {
	name   string
	desc   string
	semver semver.Version
}

func (c tiffCodec) GetName() string {
	return c.name
}

func (c tiffCodec) GetDescription() string {
	return c.desc
}

func (c tiffCodec) GetSemVer() semver.Version {
	return c.semver
}

func (c tiffCodec) String() string {
	return fmt.Sprintf("%s [%s]", c.name, c.semver)
}

func (c tiffCodec) Extension() string {
	return ".tif"
}

func (c tiffCodec) Encode(w io.Writer, img image.Image, quality int) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}

func (c tiffCodec) Decode(r io.Reader) (image.Image, error) {
	return tiff.Decode(r)
}

func (c tiffCodec) MagicMatch(data []byte) bool {
	return bytes.HasPrefix(data, tiffMagicLE) || bytes.HasPrefix(data, tiffMagicBE)
}
