package codec

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/blang/semver"
	"github.com/janelia-flyem/go/go.image/bmp"

	"github.com/cryoetlab/tomothumb/tomo"
)

func init() {
	ver, err := semver.Make("1.0.0")
	if err != nil {
		tomo.Errorf("Unable to make semver in bmp codec: %v\n", err)
	}
	RegisterCodec(bmpCodec{"bmp", "Windows Bitmap (uncompressed)", ver})
}

var bmpMagic = []byte{'B', 'M'}

type bmpCodec struct {
	name   string
	desc   string
	semver semver.Version
}

func (c bmpCodec) GetName() string {
	return c.name
}

func (c bmpCodec) GetDescription() string {
	return c.desc
}

func (c bmpCodec) GetSemVer() semver.Version {
	return c.semver
}

func (c bmpCodec) String() string {
	return fmt.Sprintf("%s [%s]", c.name, c.semver)
}

func (c bmpCodec) Extension() string {
	return ".bmp"
}

func (c bmpCodec) Encode(w io.Writer, img image.Image, quality int) error {
	return bmp.Encode(w, img)
}

func (c bmpCodec) Decode(r io.Reader) (image.Image, error) {
	return bmp.Decode(r)
}

func (c bmpCodec) MagicMatch(data []byte) bool {
	return bytes.HasPrefix(data, bmpMagic)
}
