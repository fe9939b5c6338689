// Package icon turns raster images and .ico files into the RT_ICON and
// RT_GROUP_ICON resources Windows uses for an application icon.
package icon

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"sort"

	// registered raster decoders
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/akavel/rsrc/ico"
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Sizes is the ladder of square sizes generated from a raster, largest first.
var Sizes = []int{256, 128, 64, 48, 32, 16}

const (
	bitCount         = 32
	bitmapHeaderSize = 40
)

// Image is one entry of an icon: a PNG stream for 256x256, a 32 bit DIB
// with an AND mask otherwise, or whatever an imported .ico carried.
type Image struct {
	Width      int
	Height     int
	ColorCount uint8
	Planes     uint16
	BitCount   uint16
	Data       []byte
}

// Set is an icon ordered by descending size.
type Set []Image

func unsupported(format string, args ...interface{}) error {
	return errors.Wrapf(util.ErrUnsupportedImage, format, args...)
}

// Load builds a Set from either an .ico file or a raster image.
func Load(data []byte) (Set, error) {
	if bytes.HasPrefix(data, []byte{0, 0, 1, 0}) {
		return FromICO(data)
	}
	return FromImage(data)
}

// FromImage decodes a PNG, JPEG, GIF, BMP, TIFF or WebP image and renders
// it at every size of the ladder.
func FromImage(data []byte) (Set, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, unsupported("decoding image: %v", err)
	}
	set, err := FromRaster(img)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s image", format)
	}
	return set, nil
}

// FromRaster renders img at every size of the ladder. Non square images are
// centered on a transparent square first.
func FromRaster(img image.Image) (Set, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, unsupported("image is %dx%d", b.Dx(), b.Dy())
	}
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model, color.AlphaModel, color.Alpha16Model, color.CMYKModel:
		return nil, unsupported("color model %T has no RGB channels", img)
	}

	side := b.Dx()
	if b.Dy() > side {
		side = b.Dy()
	}
	square := image.NewNRGBA(image.Rect(0, 0, side, side))
	at := image.Pt((side-b.Dx())/2, (side-b.Dy())/2)
	draw.Draw(square, image.Rectangle{Min: at, Max: at.Add(b.Size())}, img, b.Min, draw.Src)

	set := make(Set, 0, len(Sizes))
	for _, size := range Sizes {
		dst := square
		if size != side {
			dst = image.NewNRGBA(image.Rect(0, 0, size, size))
			draw.CatmullRom.Scale(dst, dst.Bounds(), square, square.Bounds(), draw.Src, nil)
		}
		entry, err := encode(dst)
		if err != nil {
			return nil, err
		}
		set = append(set, entry)
	}
	return set, nil
}

func encode(img *image.NRGBA) (Image, error) {
	size := img.Bounds().Dx()
	entry := Image{Width: size, Height: size, Planes: 1, BitCount: bitCount}
	if size >= 256 {
		buf := &bytes.Buffer{}
		if err := png.Encode(buf, img); err != nil {
			return Image{}, errors.Wrap(err, "encoding png")
		}
		entry.Data = buf.Bytes()
		return entry, nil
	}
	entry.Data = dib(img)
	return entry, nil
}

// dib writes img as a bottom up 32 bit BITMAPINFOHEADER bitmap followed by
// its 1 bit AND mask. The header height covers both.
func dib(img *image.NRGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	maskStride := (w + 31) / 32 * 4
	pixels := w * h * 4
	out := make([]byte, bitmapHeaderSize+pixels+maskStride*h)

	le := binary.LittleEndian
	le.PutUint32(out[0:], bitmapHeaderSize)
	le.PutUint32(out[4:], uint32(w))
	le.PutUint32(out[8:], uint32(2*h))
	le.PutUint16(out[12:], 1)
	le.PutUint16(out[14:], bitCount)
	le.PutUint32(out[20:], uint32(pixels+maskStride*h))

	px := out[bitmapHeaderSize:]
	mask := out[bitmapHeaderSize+pixels:]
	for y := 0; y < h; y++ {
		row := h - 1 - y
		for x := 0; x < w; x++ {
			c := img.NRGBAAt(x, y)
			p := px[(row*w+x)*4:]
			p[0], p[1], p[2], p[3] = c.B, c.G, c.R, c.A
			if c.A == 0 {
				mask[row*maskStride+x/8] |= 0x80 >> uint(x%8)
			}
		}
	}
	return out
}

// FromICO imports every image of an .ico file as is.
func FromICO(data []byte) (Set, error) {
	entries, err := ico.DecodeHeaders(bytes.NewReader(data))
	if err != nil {
		return nil, unsupported("reading icon headers: %v", err)
	}
	if len(entries) == 0 {
		return nil, unsupported("icon file holds no images")
	}
	set := make(Set, 0, len(entries))
	for i, e := range entries {
		end := uint64(e.ImageOffset) + uint64(e.BytesInRes)
		if e.BytesInRes == 0 || end > uint64(len(data)) {
			return nil, unsupported("icon image %d outside of file", i)
		}
		payload := make([]byte, e.BytesInRes)
		copy(payload, data[e.ImageOffset:end])
		width, height := dimension(e.Width), dimension(e.Height)
		if w, h, ok := payloadSize(payload); ok {
			if w > 256 || h > 256 {
				return nil, unsupported("icon image %d is %dx%d, larger than 256x256", i, w, h)
			}
		}
		set = append(set, Image{
			Width:      width,
			Height:     height,
			ColorCount: e.ColorCount,
			Planes:     e.Planes,
			BitCount:   e.BitCount,
			Data:       payload,
		})
	}
	sort.SliceStable(set, func(i, j int) bool { return set[i].Width > set[j].Width })
	return set, nil
}

// dimension decodes a directory width or height, where 0 means 256.
func dimension(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// payloadSize reads the real dimensions of an icon payload: the PNG header,
// or the BITMAPINFOHEADER whose height covers the AND mask too.
func payloadSize(payload []byte) (int, int, bool) {
	if bytes.HasPrefix(payload, pngSignature) {
		cfg, err := png.DecodeConfig(bytes.NewReader(payload))
		if err != nil {
			return 0, 0, false
		}
		return cfg.Width, cfg.Height, true
	}
	if len(payload) >= bitmapHeaderSize && binary.LittleEndian.Uint32(payload) == bitmapHeaderSize {
		w := int(int32(binary.LittleEndian.Uint32(payload[4:])))
		h := int(int32(binary.LittleEndian.Uint32(payload[8:]))) / 2
		if w < 0 {
			w = -w
		}
		if h < 0 {
			h = -h
		}
		return w, h, true
	}
	return 0, 0, false
}
