package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/blang/semver"

	"github.com/cryoetlab/tomothumb/tomo"
)

func init() {
	ver, err := semver.Make("1.0.0")
	if err != nil {
		tomo.Errorf("Unable to make semver in png codec: %v\n", err)
	}
	RegisterCodec(pngCodec{"png", "Portable Network Graphics (lossless)", ver})
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type pngCodec struct {
	name   string
	desc   string
	semver semver.Version
}

func (c pngCodec) GetName() string {
	return c.name
}

func (c pngCodec) GetDescription() string {
	return c.desc
}

func (c pngCodec) GetSemVer() semver.Version {
	return c.semver
}

func (c pngCodec) String() string {
	return fmt.Sprintf("%s [%s]", c.name, c.semver)
}

func (c pngCodec) Extension() string {
	return ".png"
}

func (c pngCodec) Encode(w io.Writer, img image.Image, quality int) error {
	return png.Encode(w, img)
}

func (c pngCodec) Decode(r io.Reader) (image.Image, error) {
	return png.Decode(r)
}

func (c pngCodec) MagicMatch(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic)
}
