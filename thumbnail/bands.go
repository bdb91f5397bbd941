package thumbnail

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/airbusgeo/landsat-ingester/common"
)

// ErrUnexpectedDataset is returned when no band combination is known for the dataset
type ErrUnexpectedDataset struct {
	Dataset string
}

func (e ErrUnexpectedDataset) Error() string {
	return fmt.Sprintf("unexpected dataset %s", e.Dataset)
}

// ErrUnexpectedPlatform is returned when no band combination is known for the MSS platform
type ErrUnexpectedPlatform struct {
	Platform string
}

func (e ErrUnexpectedPlatform) Error() string {
	return fmt.Sprintf("unexpected platform %s", e.Platform)
}

// ErrNoThumbnailSource is returned when the archive does not contain the bands of the thumbnail
type ErrNoThumbnailSource struct {
	Missing []int
}

func (e ErrNoThumbnailSource) Error() string {
	return fmt.Sprintf("thumbnail suitable data not found (missing bands %v)", e.Missing)
}

// Bands are the band numbers composing the red, green and blue channels of the thumbnail
type Bands struct {
	Red, Green, Blue int
}

// SelectBands returns the bands of the thumbnail of the dataset.
// Platform (landsat-N) is only used by the MSS dataset.
func SelectBands(dataset, platform string) (Bands, error) {
	switch dataset {
	case common.DatasetOTL1, common.DatasetOTL2:
		return Bands{Red: 4, Green: 3, Blue: 2}, nil
	case common.DatasetETML1, common.DatasetETML2, common.DatasetTML1, common.DatasetTML2:
		return Bands{Red: 3, Green: 2, Blue: 1}, nil
	case common.DatasetMSSL1:
		// Green, red and near-infrared
		switch platform {
		case "landsat-1", "landsat-2", "landsat-3":
			return Bands{Red: 5, Green: 4, Blue: 6}, nil
		case "landsat-4", "landsat-5":
			return Bands{Red: 2, Green: 1, Blue: 3}, nil
		}
		return Bands{}, ErrUnexpectedPlatform{Platform: platform}
	}
	return Bands{}, ErrUnexpectedDataset{Dataset: dataset}
}

// Slice returns red, green and blue
func (b Bands) Slice() []int {
	return []int{b.Red, b.Green, b.Blue}
}

var bandSuffix = regexp.MustCompile(`(?i)_B(\d+)\.TIFF?$`)

// BandNumber returns the band number of an archive member (XXX_B4.TIF), false if it is not a band file
func BandNumber(name string) (int, bool) {
	m := bandSuffix.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// Match returns the member names of the bands, indexed by red, green, blue.
// It returns ErrNoThumbnailSource if one of them is missing.
func (b Bands) Match(members []string) ([3]string, error) {
	var files [3]string
	wanted := b.Slice()
	for _, m := range members {
		n, ok := BandNumber(m)
		if !ok {
			continue
		}
		for i, w := range wanted {
			if n == w && files[i] == "" {
				files[i] = m
			}
		}
	}
	var missing []int
	for i, f := range files {
		if f == "" {
			missing = append(missing, wanted[i])
		}
	}
	if missing != nil {
		return files, ErrNoThumbnailSource{Missing: missing}
	}
	return files, nil
}

// IsBandOf returns true if name is one of the bands
func (b Bands) IsBandOf(name string) bool {
	n, ok := BandNumber(name)
	if !ok {
		return false
	}
	for _, w := range b.Slice() {
		if n == w {
			return true
		}
	}
	return false
}
