package tomo

import (
	"image"

	. "github.com/janelia-flyem/go/gocheck"
)

// Data from which to construct repeatable 2d images where adjacent pixels have different values.
var xdata = []byte{'\x01', '\x07', '\xAF', '\xFF', '\x70'}
var ydata = []byte{'\x33', '\xB2', '\x77', '\xD0', '\x4F'}
var zdata = []byte{'\x5C', '\x89', '\x40', '\x13', '\xCA'}

// Make a 2d slice of bytes with top left corner at (ox,oy,oz) and size (nx,ny)
func makeSlice(ox, oy, oz, nx, ny int) []byte {
	slice := make([]byte, nx*ny)
	i := 0
	modz := oz % len(zdata)
	for y := 0; y < ny; y++ {
		sy := y + oy
		mody := sy % len(ydata)
		sx := ox
		for x := 0; x < nx; x++ {
			modx := sx % len(xdata)
			slice[i] = xdata[modx] ^ ydata[mody] ^ zdata[modz]
			i++
			sx++
		}
	}
	return slice
}

func (suite *DataSuite) TestSlice(c *C) {
	// Create a fake 100x100 8-bit grayscale image with varying values
	data := []uint8(makeSlice(3, 13, 24, 100, 100))
	goImg := ImageGrayFromData(data, 100, 100)

	// Create a serializable image and test its de/serialization.
	var img Image
	err := img.Set(goImg)
	c.Assert(err, IsNil)

	serialization, err := img.Serialize(Snappy, CRC32)
	c.Assert(err, IsNil)
	c.Assert(serialization, Not(Equals), nil)

	newImg := new(Image)
	err = newImg.Deserialize(serialization)
	c.Assert(err, IsNil)

	c.Assert(newImg.Which, Equals, uint8(0))
	c.Assert(newImg.Gray, DeepEquals, goImg)
}

func (suite *DataSuite) TestOffsetSlice(c *C) {
	// Create a fake 100x100 8-bit white grayscale image
	// within a larger 200x200 black image.
	goImg := &image.Gray{
		Pix:    make([]uint8, 200*200),
		Stride: 200,
		Rect:   image.Rect(0, 0, 200, 200),
	}
	for y := 50; y <= 150; y++ {
		for x := 50; x <= 150; x++ {
			i := goImg.PixOffset(x, y)
			goImg.Pix[i] = 255
		}
	}

	// Create a serializable image and test its de/serialization.
	var img Image
	err := img.Set(goImg)
	c.Assert(err, IsNil)

	serialization, err := img.Serialize(Snappy, CRC32)
	c.Assert(err, IsNil)
	c.Assert(serialization, Not(Equals), nil)

	newImg := new(Image)
	err = newImg.Deserialize(serialization)
	c.Assert(err, IsNil)

	c.Assert(newImg.Which, Equals, uint8(0))
	c.Assert(newImg.Gray, DeepEquals, goImg)
}

func (suite *DataSuite) TestCompression(c *C) {
	// Create a fake 100x100 8-bit black image
	data := make([]uint8, 100*100)
	goImg := ImageGrayFromData(data, 100, 100)

	// Create a serializable image and test its de/serialization and size
	var img Image
	err := img.Set(goImg)
	c.Assert(err, IsNil)

	serialization, err := img.Serialize(Snappy, CRC32)
	c.Assert(err, IsNil)
	c.Assert(serialization, Not(Equals), nil)

	if len(serialization) >= len(goImg.Pix) {
		c.Errorf("Snappy compressed serialization (%d bytes) of blank image > original %d bytes\n",
			len(serialization), len(goImg.Pix))
	}

	newImg := new(Image)
	err = newImg.Deserialize(serialization)
	c.Assert(err, IsNil)

	c.Assert(newImg.Which, Equals, uint8(0))
	c.Assert(newImg.Gray, DeepEquals, goImg)
}

func (suite *DataSuite) TestResize(c *C) {
	data := []uint8(makeSlice(0, 0, 0, 100, 100))
	goImg := ImageGrayFromData(data, 100, 100)

	var img Image
	err := img.Set(goImg)
	c.Assert(err, IsNil)

	resized, err := img.Resize(50, 50)
	c.Assert(err, IsNil)
	c.Assert(resized.Which, Equals, uint8(0))
	c.Assert(resized.Gray.Rect.Dx(), Equals, 50)
	c.Assert(resized.Gray.Rect.Dy(), Equals, 50)

	// Nearest-neighbor 2:1 downscale picks every other source pixel.
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			want := goImg.Pix[(y*2)*100+(x*2)]
			got := resized.Gray.Pix[y*50+x]
			if want != got {
				c.Fatalf("Bad resize at (%d,%d): got %d, want %d", x, y, got, want)
			}
		}
	}

	// Same-size resize returns the image unchanged.
	same, err := img.Resize(100, 100)
	c.Assert(err, IsNil)
	c.Assert(same.Gray, DeepEquals, goImg)

	_, err = img.Resize(0, 50)
	c.Assert(err, NotNil)
}

func (suite *DataSuite) TestConvertImage(c *C) {
	// YCbCr is what jpeg decoding yields and has no direct union slot.
	src := image.NewYCbCr(image.Rect(0, 0, 20, 10), image.YCbCrSubsampleRatio420)
	img := ConvertImage(src)
	c.Assert(img.Which, Equals, uint8(2))
	c.Assert(img.NRGBA.Rect.Dx(), Equals, 20)
	c.Assert(img.NRGBA.Rect.Dy(), Equals, 10)

	// Native types pass through without copying.
	gray := ImageGrayFromData(make([]uint8, 12), 4, 3)
	img = ConvertImage(gray)
	c.Assert(img.Which, Equals, uint8(0))
	c.Assert(img.Gray, Equals, gray)
}
