package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/blang/semver"

	"github.com/cryoetlab/tomothumb/tomo"
)

func init() {
	ver, err := semver.Make("1.0.0")
	if err != nil {
		tomo.Errorf("Unable to make semver in jpg codec: %v\n", err)
	}
	RegisterCodec(jpgCodec{"jpg", "JPEG (lossy)", ver})
}

var jpgMagic = []byte{0xff, 0xd8, 0xff}

type jpgCodec struct {
	name   string
	desc   string
	semver semver.Version
}

func (c jpgCodec) GetName() string {
	return c.name
}

func (c jpgCodec) GetDescription() string {
	return c.desc
}

func (c jpgCodec) GetSemVer() semver.Version {
	return c.semver
}

func (c jpgCodec) String() string {
	return fmt.Sprintf("%s [%s]", c.name, c.semver)
}

func (c jpgCodec) Extension() string {
	return ".jpg"
}

func (c jpgCodec) Encode(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func (c jpgCodec) Decode(r io.Reader) (image.Image, error) {
	return jpeg.Decode(r)
}

func (c jpgCodec) MagicMatch(data []byte) bool {
	return bytes.HasPrefix(data, jpgMagic)
}
