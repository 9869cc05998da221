package imgrec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
)

// bzero is the offset used to store uint16 pixels as FITS int16
const bzero = 32768

const (
	cardLen  = 80
	blockLen = 2880
)

// WriteFITS writes a FITS file to w.  The primary HDU holds the primary
// header section and no data, each image is written to its own extension
// with the image header section.  Items with a nil value are written as
// undefined values, KEYWORD = followed by no value.
func WriteFITS(w io.Writer, hdr fitsheader.Header, imgs ...*camera.Image) error {
	buf := &bytes.Buffer{}
	undef, err := encodeFITS(buf, hdr, imgs...)
	if err != nil {
		return err
	}
	b := buf.Bytes()
	off := 0
	for i, names := range undef {
		off, err = markUndefined(b, off, names)
		if err != nil {
			return fmt.Errorf("hdu %d: %w", i, err)
		}
		if i > 0 {
			img := imgs[i-1]
			off += padBlock(2 * img.Width * img.Height)
		}
	}
	_, err = w.Write(b)
	return err
}

// undefined returns the keywords of the cards without a value
func undefined(cards []fitsio.Card) map[string]bool {
	out := map[string]bool{}
	for _, c := range cards {
		if c.Value == nil {
			out[c.Name] = true
		}
	}
	return out
}

// markUndefined restores the value indicator of the named cards in the
// header which starts at off.  fitsio leaves columns 9 and 10 blank when a
// card has no value, which makes it commentary.  The offset of the end of
// the header is returned.
func markUndefined(b []byte, off int, names map[string]bool) (int, error) {
	for ; off+cardLen <= len(b); off += cardLen {
		card := b[off : off+cardLen]
		key := strings.TrimSpace(string(card[:8]))
		if key == "END" {
			return padBlock(off + cardLen), nil
		}
		if names[key] && card[8] == ' ' && card[9] == ' ' {
			card[8] = '='
		}
	}
	return 0, errors.New("header has no END card")
}

func padBlock(n int) int {
	return (n + blockLen - 1) / blockLen * blockLen
}

// encodeFITS does the encoding for WriteFITS and returns the undefined
// keywords of each HDU
func encodeFITS(w io.Writer, hdr fitsheader.Header, imgs ...*camera.Image) ([]map[string]bool, error) {
	fits, err := fitsio.Create(w)
	if err != nil {
		return nil, err
	}
	defer fits.Close()

	prim := fitsio.NewImage(8, nil)
	defer prim.Close()
	cards := fitsheader.Cards(hdr.Primary)
	undef := []map[string]bool{undefined(cards)}
	err = prim.Header().Append(cards...)
	if err != nil {
		return nil, err
	}
	if err = fits.Write(prim); err != nil {
		return nil, err
	}

	for i, img := range imgs {
		if len(img.Pixels) != img.Width*img.Height {
			return nil, fmt.Errorf("image %d: %d pixels for %dx%d", i, len(img.Pixels), img.Width, img.Height)
		}
		items := hdr.Image
		if i > 0 {
			items = append(append([]fitsheader.Item{}, items...),
				fitsheader.Item{Keyword: "EXTNAME", Value: fmt.Sprintf("IMAGE%d", i+1)})
		}
		cards := fitsheader.Cards(items)
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: bzero}, fitsio.Card{Name: "BSCALE", Value: 1.0})
		undef = append(undef, undefined(cards))

		im := fitsio.NewImage(16, []int{img.Width, img.Height})
		err = im.Header().Append(cards...)
		if err != nil {
			im.Close()
			return nil, err
		}
		ints := make([]int16, len(img.Pixels))
		for idx, v := range img.Pixels {
			ints[idx] = int16(v - bzero)
		}
		err = im.Write(ints)
		if err == nil {
			err = fits.Write(im)
		}
		im.Close()
		if err != nil {
			return nil, err
		}
	}
	return undef, nil
}

// Frame is an image extension read back from a file
type Frame struct {
	Header []fitsheader.Item
	Image  *camera.Image
}

// File is the decoded content of a FITS file
type File struct {
	Primary []fitsheader.Item
	Frames  []Frame
}

// Header returns the primary header and the first extension header as a
// Header
func (f *File) Header() fitsheader.Header {
	h := fitsheader.Header{Primary: f.Primary}
	if len(f.Frames) > 0 {
		h.Image = f.Frames[0].Header
	}
	return h
}

// ReadFITS decodes a file written by WriteFITS, or any file with 16-bit
// two dimensional images.  Image data in the primary HDU is returned as a
// Frame with an empty header.
func ReadFITS(r io.Reader) (*File, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer fits.Close()

	out := &File{}
	for i, hdu := range fits.HDUs() {
		hdr := hdu.Header()
		items := fitsheader.Items(cards(hdr))
		if i == 0 {
			out.Primary = items
		}
		img, ok := hdu.(fitsio.Image)
		if !ok || len(hdr.Axes()) != 2 {
			continue
		}
		im, err := decodePixels(img)
		if err != nil {
			return nil, fmt.Errorf("hdu %d: %w", i, err)
		}
		f := Frame{Image: im}
		if i > 0 {
			f.Header = items
		}
		out.Frames = append(out.Frames, f)
	}
	return out, nil
}

func cards(hdr *fitsio.Header) []fitsio.Card {
	keys := hdr.Keys()
	out := make([]fitsio.Card, 0, len(keys))
	for _, k := range keys {
		if c := hdr.Get(k); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func decodePixels(img fitsio.Image) (*camera.Image, error) {
	hdr := img.Header()
	if hdr.Bitpix() != 16 {
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}
	axes := hdr.Axes()
	w, h := axes[0], axes[1]
	raw := img.Raw()
	n := w * h
	if len(raw) < 2*n {
		return nil, fmt.Errorf("truncated image data, %d bytes for %dx%d", len(raw), w, h)
	}
	zero := 0
	if c := hdr.Get("BZERO"); c != nil {
		switch v := c.Value.(type) {
		case int:
			zero = v
		case int64:
			zero = int(v)
		case float64:
			zero = int(v)
		}
	}
	pix := make([]uint16, n)
	for i := range pix {
		v := int16(binary.BigEndian.Uint16(raw[2*i:]))
		pix[i] = uint16(int(v) + zero)
	}
	return &camera.Image{Pixels: pix, Width: w, Height: h}, nil
}
