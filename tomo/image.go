/*
	This file supports image handling in tomothumb.  Thumbnails are small 2d
	previews of volumetric data, normalized to 8-bit grayscale by the preview
	pipeline, but decoded cache entries and host-supplied previews may arrive
	as 16-bit grayscale or color images, so a union of the standard Go image
	types is carried throughout the system.

	Better serialization is handled by a union of possible image types compared
	to a generic image.Image interface:
	see https://groups.google.com/d/msg/golang-dev/_t4pqoeuflE/DbqSf41wr5EJ
*/

package tomo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"os"
	"reflect"

	_ "image/jpeg"
	_ "image/png"

	_ "github.com/janelia-flyem/go/go.image/bmp"
	_ "github.com/janelia-flyem/go/go.image/tiff"
)

// Image wraps one of the standard Go image types along with a union tag so
// thumbnails can be serialized compactly and reconstructed without type
// sniffing.
type Image struct {
	Which   uint8
	Gray    *image.Gray
	Gray16  *image.Gray16
	NRGBA   *image.NRGBA
	NRGBA64 *image.NRGBA64
}

// Get returns an image.Image from the union struct.
func (img Image) Get() image.Image {
	switch img.Which {
	case 0:
		return img.Gray
	case 1:
		return img.Gray16
	case 2:
		return img.NRGBA
	case 3:
		return img.NRGBA64
	default:
		return nil
	}
}

// GetDrawable returns a draw.Image from the union struct.
func (img Image) GetDrawable() draw.Image {
	switch img.Which {
	case 0:
		return img.Gray
	case 1:
		return img.Gray16
	case 2:
		return img.NRGBA
	case 3:
		return img.NRGBA64
	default:
		return nil
	}
}

// Set initializes an Image from a go image.  Only the four image types used
// for thumbnails are accepted; use ConvertImage for anything else.
func (img *Image) Set(src image.Image) error {
	switch s := src.(type) {
	case *image.Gray:
		img.Which = 0
		img.Gray = s
	case *image.Gray16:
		img.Which = 1
		img.Gray16 = s
	case *image.NRGBA:
		img.Which = 2
		img.NRGBA = s
	case *image.NRGBA64:
		img.Which = 3
		img.NRGBA64 = s
	default:
		return fmt.Errorf("No valid image type received by image.Set(): %s", reflect.TypeOf(src))
	}
	return nil
}

// ConvertImage returns an Image for any go image, drawing non-native types
// like jpeg's YCbCr into an NRGBA image.
func ConvertImage(src image.Image) *Image {
	img := new(Image)
	if err := img.Set(src); err == nil {
		return img
	}
	rect := src.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), src, rect.Min, draw.Src)
	img.Which = 2
	img.NRGBA = nrgba
	return img
}

// Data returns a slice of bytes corresponding to the image pixels.
func (img *Image) Data() []uint8 {
	switch img.Which {
	case 0:
		return img.Gray.Pix
	case 1:
		return img.Gray16.Pix
	case 2:
		return img.NRGBA.Pix
	case 3:
		return img.NRGBA64.Pix
	default:
		return nil
	}
}

// Serialize writes optional compressed and checksummed bytes representing image data.
func (img *Image) Serialize(compress Compression, checksum Checksum) ([]byte, error) {
	b, err := img.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return SerializeData(b, compress, checksum)
}

// Deserialize deserializes an Image from a possibly compressed, checksummed byte slice.
func (img *Image) Deserialize(b []byte) error {
	if img == nil {
		return fmt.Errorf("Error attempting to deserialize into nil Image")
	}
	data, _, err := DeserializeData(b, true)
	if err != nil {
		return err
	}
	return img.UnmarshalBinary(data)
}

// MarshalBinary fulfills the encoding.BinaryMarshaler interface.
func (img *Image) MarshalBinary() ([]byte, error) {
	var buffer bytes.Buffer

	if err := buffer.WriteByte(byte(img.Which)); err != nil {
		return nil, err
	}

	var stride, bytesPerPixel int
	var rect image.Rectangle
	var pix, src []uint8
	var pixOffset func(x, y int) int

	switch img.Which {
	case 0:
		stride = img.Gray.Stride
		rect = img.Gray.Rect
		bytesPerPixel = 1
		src = img.Gray.Pix
		pixOffset = img.Gray.PixOffset

	case 1:
		stride = img.Gray16.Stride
		rect = img.Gray16.Rect
		bytesPerPixel = 2
		src = img.Gray16.Pix
		pixOffset = img.Gray16.PixOffset

	case 2:
		stride = img.NRGBA.Stride
		rect = img.NRGBA.Rect
		bytesPerPixel = 4
		src = img.NRGBA.Pix
		pixOffset = img.NRGBA.PixOffset

	case 3:
		stride = img.NRGBA64.Stride
		rect = img.NRGBA64.Rect
		bytesPerPixel = 8
		src = img.NRGBA64.Pix
		pixOffset = img.NRGBA64.PixOffset

	default:
		return nil, fmt.Errorf("Unsupported image type %d asked for MarshalBinary()", img.Which)
	}

	// Make sure the byte slice is compact and not harboring any offsets
	if stride == bytesPerPixel*rect.Dx() && rect.Min.X == 0 && rect.Min.Y == 0 {
		pix = src
	} else {
		dx := rect.Dx()
		dy := rect.Dy()
		rowbytes := bytesPerPixel * dx
		totbytes := rowbytes * dy
		pix = make([]uint8, totbytes)
		dstI := 0
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			srcI := pixOffset(rect.Min.X, y)
			copy(pix[dstI:dstI+rowbytes], src[srcI:srcI+rowbytes])
			dstI += rowbytes
		}
		stride = rowbytes
		rect = image.Rect(0, 0, dx, dy)
	}

	if err := binary.Write(&buffer, binary.LittleEndian, int32(stride)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buffer, binary.LittleEndian, int32(rect.Dx())); err != nil {
		return nil, err
	}
	if err := binary.Write(&buffer, binary.LittleEndian, int32(rect.Dy())); err != nil {
		return nil, err
	}
	if _, err := buffer.Write(pix); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// UnmarshalBinary fulfills the encoding.BinaryUnmarshaler interface.
func (img *Image) UnmarshalBinary(b []byte) error {
	if len(b) < 13 {
		return fmt.Errorf("Cannot unmarshal image from %d bytes", len(b))
	}
	buffer := bytes.NewBuffer(b)
	imageType, err := buffer.ReadByte()
	if err != nil {
		return err
	}
	img.Which = uint8(imageType)

	var stride int32
	if err = binary.Read(buffer, binary.LittleEndian, &stride); err != nil {
		return err
	}

	var dx, dy int32
	if err = binary.Read(buffer, binary.LittleEndian, &dx); err != nil {
		return err
	}
	if err = binary.Read(buffer, binary.LittleEndian, &dy); err != nil {
		return err
	}
	rect := image.Rect(0, 0, int(dx), int(dy))
	pix := []uint8(buffer.Bytes())

	switch img.Which {
	case 0:
		img.Gray = &image.Gray{
			Stride: int(stride),
			Rect:   rect,
			Pix:    pix,
		}

	case 1:
		img.Gray16 = &image.Gray16{
			Stride: int(stride),
			Rect:   rect,
			Pix:    pix,
		}

	case 2:
		img.NRGBA = &image.NRGBA{
			Stride: int(stride),
			Rect:   rect,
			Pix:    pix,
		}

	case 3:
		img.NRGBA64 = &image.NRGBA64{
			Stride: int(stride),
			Rect:   rect,
			Pix:    pix,
		}

	default:
		return fmt.Errorf("Unsupported image type %d in unmarshaled bytes", img.Which)
	}
	return nil
}

// Resize returns an image scaled to the given size using nearest-neighbor
// sampling.  Thumbnails are already decimated previews, so anything fancier
// buys nothing at gallery tile sizes.
func (img *Image) Resize(dstW, dstH int) (*Image, error) {
	if img == nil {
		return nil, fmt.Errorf("Attempted to resize nil image")
	}
	src := img.Get()
	if src == nil {
		return nil, fmt.Errorf("Attempted to resize empty image")
	}
	srcRect := src.Bounds()
	srcW := srcRect.Dx()
	srcH := srcRect.Dy()
	if dstW <= 0 || dstH <= 0 {
		return nil, fmt.Errorf("Attempted to resize to %d x %d pixels", dstW, dstH)
	}
	if srcW <= 0 || srcH <= 0 {
		return nil, fmt.Errorf("Attempted to resize source image of %d x %d pixels", srcW, srcH)
	}
	if srcW == dstW && srcH == dstH {
		return img, nil
	}

	var resized image.Image
	switch img.Which {
	case 0:
		resized = resize1x8(img.Gray, dstW, dstH)
	case 1:
		resized = resize1x16(img.Gray16, dstW, dstH)
	case 2:
		resized = resize32(img.NRGBA, dstW, dstH)
	case 3:
		resized = resize64(img.NRGBA64, dstW, dstH)
	default:
		return nil, fmt.Errorf("Unsupported image type %d asked for Resize()", img.Which)
	}

	dst := new(Image)
	if err := dst.Set(resized); err != nil {
		return nil, err
	}
	return dst, nil
}

func resize1x8(src *image.Gray, dstW, dstH int) image.Image {
	srcRect := src.Bounds()
	srcW := srcRect.Dx()
	srcH := srcRect.Dy()

	dstW64, dstH64 := uint64(dstW), uint64(dstH)
	srcW64, srcH64 := uint64(srcW), uint64(srcH)

	dst := image.NewGray(image.Rect(0, 0, dstW, dstH))
	var x, y uint64
	dstI := 0
	for y = 0; y < dstH64; y++ {
		srcY := int(y * srcH64 / dstH64)
		for x = 0; x < dstW64; x++ {
			srcX := int(x * srcW64 / dstW64)
			dst.Pix[dstI] = src.Pix[srcY*srcW+srcX]
			dstI++
		}
	}
	return dst
}

func resize1x16(src *image.Gray16, dstW, dstH int) image.Image {
	srcRect := src.Bounds()
	srcW := srcRect.Dx()
	srcH := srcRect.Dy()

	dstW64, dstH64 := uint64(dstW), uint64(dstH)
	srcW64, srcH64 := uint64(srcW), uint64(srcH)

	dst := image.NewGray16(image.Rect(0, 0, dstW, dstH))
	var x, y uint64
	dstI := 0
	for y = 0; y < dstH64; y++ {
		srcY := int(y * srcH64 / dstH64)
		for x = 0; x < dstW64; x++ {
			srcX := int(x * srcW64 / dstW64)
			srcI := 2 * (srcY*srcW + srcX)
			copy(dst.Pix[dstI:dstI+2], src.Pix[srcI:srcI+2])
			dstI += 2
		}
	}
	return dst
}

func resize32(src *image.NRGBA, dstW, dstH int) image.Image {
	srcRect := src.Bounds()
	srcW := srcRect.Dx()
	srcH := srcRect.Dy()

	dstW64, dstH64 := uint64(dstW), uint64(dstH)
	srcW64, srcH64 := uint64(srcW), uint64(srcH)

	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	var x, y uint64
	dstI := 0
	for y = 0; y < dstH64; y++ {
		srcY := int(y * srcH64 / dstH64)
		for x = 0; x < dstW64; x++ {
			srcX := int(x * srcW64 / dstW64)
			srcI := 4 * (srcY*srcW + srcX)
			copy(dst.Pix[dstI:dstI+4], src.Pix[srcI:srcI+4])
			dstI += 4
		}
	}
	return dst
}

func resize64(src *image.NRGBA64, dstW, dstH int) image.Image {
	srcRect := src.Bounds()
	srcW := srcRect.Dx()
	srcH := srcRect.Dy()

	dstW64, dstH64 := uint64(dstW), uint64(dstH)
	srcW64, srcH64 := uint64(srcW), uint64(srcH)

	dst := image.NewNRGBA64(image.Rect(0, 0, dstW, dstH))
	var x, y uint64
	dstI := 0
	for y = 0; y < dstH64; y++ {
		srcY := int(y * srcH64 / dstH64)
		for x = 0; x < dstW64; x++ {
			srcX := int(x * srcW64 / dstW64)
			srcI := 8 * (srcY*srcW + srcX)
			copy(dst.Pix[dstI:dstI+8], src.Pix[srcI:srcI+8])
			dstI += 8
		}
	}
	return dst
}

////////////////////////////////////////////////////////////////
//
//  General image support through package functions
//
////////////////////////////////////////////////////////////////

// ImageData returns the underlying pixel data for an image or an error if
// the image doesn't have the requisite []uint8 pixel data.
func ImageData(img image.Image) (data []uint8, bytesPerPixel, stride int32, err error) {
	switch typedImg := img.(type) {
	case *image.Gray:
		data = typedImg.Pix
		stride = int32(typedImg.Stride)
		bytesPerPixel = 1
	case *image.Gray16:
		data = typedImg.Pix
		stride = int32(typedImg.Stride)
		bytesPerPixel = 2
	case *image.RGBA:
		data = typedImg.Pix
		stride = int32(typedImg.Stride)
		bytesPerPixel = 4
	case *image.NRGBA:
		data = typedImg.Pix
		stride = int32(typedImg.Stride)
		bytesPerPixel = 4
	case *image.NRGBA64:
		data = typedImg.Pix
		stride = int32(typedImg.Stride)
		bytesPerPixel = 8
	default:
		err = fmt.Errorf("Illegal image type called ImageData(): %T", typedImg)
	}
	return
}

// ImageFromFile returns an image and its format name given a file name.
func ImageFromFile(filename string) (img image.Image, format string, err error) {
	var file *os.File
	file, err = os.Open(filename)
	if err != nil {
		err = fmt.Errorf("Unable to open image (%s): %v", filename, err)
		return
	}
	img, format, err = image.Decode(file)
	if err != nil {
		file.Close()
		return
	}
	err = file.Close()
	return
}

// ImageGrayFromData returns a Gray image given data and image size.
func ImageGrayFromData(data []uint8, nx, ny int) (img *image.Gray) {
	img = &image.Gray{
		Pix:    data,
		Stride: nx,
		Rect:   image.Rect(0, 0, nx, ny),
	}
	return
}
