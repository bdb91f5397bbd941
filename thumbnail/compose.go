package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/airbusgeo/landsat-ingester/service/log"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

const (
	DefaultSize    = 1000
	DefaultQuality = 90
	DefaultGamma   = 0.8
	lowPercentile  = 2
	highPercentile = 98
)

// Composer combines three single-band rasters into a jpeg thumbnail.
// A Composer is shared by all the tasks of the process: the combination is memory intensive
// and only one thumbnail is computed at a time. Each band is downsampled to at most Size pixels
// per side before being stretched.
type Composer struct {
	Size    int
	Quality int
	Gamma   float64
	mu      sync.Mutex
}

// NewComposer returns a composer with default settings
func NewComposer() *Composer {
	return &Composer{Size: DefaultSize, Quality: DefaultQuality, Gamma: DefaultGamma}
}

// band is a raster normalized to [0, 1]
type band struct {
	width, height int
	values        []float64
}

// readBand decodes the raster at path, downsampled so that none of its sides exceeds maxSize
func readBand(path string, maxSize int) (*band, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("readBand.Open: %w", err)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("readBand.Decode(%s): %w", path, err)
	}
	img = downsample(img, maxSize)
	r := img.Bounds()
	b := &band{width: r.Dx(), height: r.Dy(), values: make([]float64, 0, r.Dx()*r.Dy())}
	switch img := img.(type) {
	case *image.Gray16:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				b.values = append(b.values, float64(img.Gray16At(x, y).Y))
			}
		}
	case *image.Gray:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				b.values = append(b.values, float64(img.GrayAt(x, y).Y))
			}
		}
	default:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				v, _, _, _ := img.At(x, y).RGBA()
				b.values = append(b.values, float64(v))
			}
		}
	}
	return b, nil
}

// downsample scales img down to fit in maxSize x maxSize, keeping its aspect ratio
func downsample(img image.Image, maxSize int) image.Image {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return img
	}
	scale := float64(maxSize) / float64(max(w, h))
	dw := max(1, int(math.Round(float64(w)*scale)))
	dh := max(1, int(math.Round(float64(h)*scale)))
	dst := image.NewGray16(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)
	return dst
}

// normalize rescales the values from [min, max] to [0, 1]
func (b *band) normalize() {
	if len(b.values) == 0 {
		return
	}
	lo, hi := b.values[0], b.values[0]
	for _, v := range b.values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	for i, v := range b.values {
		if hi > lo {
			b.values[i] = (v - lo) / (hi - lo)
		} else {
			b.values[i] = 0
		}
	}
}

// percentile returns the p-th percentile of sorted values, with linear interpolation
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1) / 100
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

// stretch rescales the values from [p2, p98] to [0, 1], clipping the outliers
func (b *band) stretch() {
	sorted := append([]float64(nil), b.values...)
	sort.Float64s(sorted)
	low, high := percentile(sorted, lowPercentile), percentile(sorted, highPercentile)
	for i, v := range b.values {
		switch {
		case high <= low:
			b.values[i] = math.Min(math.Max(v, 0), 1)
		case v <= low:
			b.values[i] = 0
		case v >= high:
			b.values[i] = 1
		default:
			b.values[i] = (v - low) / (high - low)
		}
	}
}

func (c *Composer) combine(red, green, blue *band) (*image.RGBA, error) {
	if red.width != green.width || red.width != blue.width || red.height != green.height || red.height != blue.height {
		return nil, fmt.Errorf("combine: bands have different sizes (%dx%d, %dx%d, %dx%d)",
			red.width, red.height, green.width, green.height, blue.width, blue.height)
	}
	gamma := c.Gamma
	if gamma <= 0 {
		gamma = DefaultGamma
	}
	toByte := func(v float64) uint8 {
		return uint8(math.Pow(v, gamma) * 255)
	}
	img := image.NewRGBA(image.Rect(0, 0, red.width, red.height))
	for i := range red.values {
		img.Pix[4*i] = toByte(red.values[i])
		img.Pix[4*i+1] = toByte(green.values[i])
		img.Pix[4*i+2] = toByte(blue.values[i])
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}

// Compose reads the red, green and blue rasters (single band tiff) and writes the jpeg thumbnail to out
func (c *Composer) Compose(ctx context.Context, red, green, blue, out string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Logger(ctx).Sugar().Infof("combining bands into thumbnail %s", out)

	size := c.Size
	if size <= 0 {
		size = DefaultSize
	}
	var bands [3]*band
	for i, path := range []string{red, green, blue} {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("Compose: %w", err)
		}
		b, err := readBand(path, size)
		if err != nil {
			return fmt.Errorf("Compose.%w", err)
		}
		b.normalize()
		b.stretch()
		bands[i] = b
	}
	img, err := c.combine(bands[0], bands[1], bands[2])
	if err != nil {
		return fmt.Errorf("Compose.%w", err)
	}

	thumb := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("Compose.Create: %w", err)
	}
	quality := c.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	if err := jpeg.Encode(f, thumb, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(out)
		return fmt.Errorf("Compose.Encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return fmt.Errorf("Compose.Close: %w", err)
	}
	return nil
}
