package camera

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"image"
	"image/draw"
	"image/jpeg"
	"math"

	"github.com/zeebo/blake3"
)

// frameDomainKey separates frame hashes from any other blake3 use.
var frameDomainKey = [32]byte{
	'v', 'i', 'e', 'w', 'g', 'u', 'a', 'r', 'd', '.', 'c', 'a', 'm', 'e', 'r', 'a',
	'.', 'f', 'r', 'a', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// blackLevel is the per-channel value below which a pixel counts as covered.
const blackLevel = 10

var deviceClasses = map[string]bool{
	"cell phone": true,
	"remote":     true,
	"camera":     true,
}

// ParseDetections counts confident people and reports whether any recording
// device is in view.
func ParseDetections(preds []Detection, personMin, deviceMin float64) (persons int, device bool) {
	for _, p := range preds {
		switch {
		case p.Class == "person" && p.Score >= personMin:
			persons++
		case deviceClasses[p.Class] && p.Score >= deviceMin:
			device = true
		}
	}
	return persons, device
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// pixels yields the RGB triplets of every pixel in the image bounds.
func pixels(img *image.RGBA, fn func(r, g, b uint8)) int {
	b := img.Bounds()
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-img.Rect.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := (x + b.Min.X - img.Rect.Min.X) * 4
			fn(row[i], row[i+1], row[i+2])
			n++
		}
	}
	return n
}

// Obstruction is the fraction of near-black pixels, rounded to 2 decimals.
func Obstruction(img *image.RGBA) float64 {
	black := 0
	total := pixels(img, func(r, g, b uint8) {
		if r < blackLevel && g < blackLevel && b < blackLevel {
			black++
		}
	})
	if total == 0 {
		return 0
	}
	return round2(float64(black) / float64(total))
}

// Brightness is the mean Rec. 709 luma, rounded to 2 decimals.
func Brightness(img *image.RGBA) float64 {
	var sum float64
	total := pixels(img, func(r, g, b uint8) {
		sum += 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
	})
	if total == 0 {
		return 0
	}
	return round2(sum / float64(total))
}

// FrameHash is the keyed blake3 digest of the pixels inside the frame's
// bounds.
func FrameHash(img *image.RGBA) string {
	h, err := blake3.NewKeyed(frameDomainKey[:])
	if err != nil {
		// Only possible with a wrongly sized key.
		panic(err)
	}
	b := img.Bounds()
	var dims [8]byte
	dims[0], dims[1], dims[2], dims[3] = byte(b.Dx()>>24), byte(b.Dx()>>16), byte(b.Dx()>>8), byte(b.Dx())
	dims[4], dims[5], dims[6], dims[7] = byte(b.Dy()>>24), byte(b.Dy()>>16), byte(b.Dy()>>8), byte(b.Dy())
	h.Write(dims[:])
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		h.Write(img.Pix[start : start+b.Dx()*4])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeDataURL renders img as a base64 JPEG data URL.
func EncodeDataURL(img image.Image, quality int) (string, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
