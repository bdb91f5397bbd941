package metadata

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/landsat-ingester/interface/stac"
	"github.com/airbusgeo/landsat-ingester/service/geometry"
	"github.com/go-spatial/geom/encoding/geojson"
)

var stacExtensions = []string{
	"https://stac-extensions.github.io/eo/v1.1.0/schema.json",
	"https://stac-extensions.github.io/view/v1.0.0/schema.json",
	"https://stac-extensions.github.io/projection/v1.1.0/schema.json",
	"https://landsat.usgs.gov/stac/landsat-extension/v1.1.1/schema.json",
}

// ErrInvalidMetadata is returned when a mandatory field of the MTL file is missing or malformed
type ErrInvalidMetadata struct {
	Field  string
	Reason string
}

func (e ErrInvalidMetadata) Error() string {
	return fmt.Sprintf("invalid metadata %s: %s", e.Field, e.Reason)
}

// MTL is the subset of the Landsat Collection 2 MTL.xml file used to build the catalog item
type MTL struct {
	XMLName         xml.Name `xml:"LANDSAT_METADATA_FILE"`
	ProductContents struct {
		ProductID          string `xml:"LANDSAT_PRODUCT_ID"`
		ProcessingLevel    string `xml:"PROCESSING_LEVEL"`
		CollectionNumber   string `xml:"COLLECTION_NUMBER"`
		CollectionCategory string `xml:"COLLECTION_CATEGORY"`
	} `xml:"PRODUCT_CONTENTS"`
	ImageAttributes struct {
		SpacecraftID    string `xml:"SPACECRAFT_ID"`
		SensorID        string `xml:"SENSOR_ID"`
		WRSType         string `xml:"WRS_TYPE"`
		WRSPath         string `xml:"WRS_PATH"`
		WRSRow          string `xml:"WRS_ROW"`
		DateAcquired    string `xml:"DATE_ACQUIRED"`
		SceneCenterTime string `xml:"SCENE_CENTER_TIME"`
		CloudCover      string `xml:"CLOUD_COVER"`
		CloudCoverLand  string `xml:"CLOUD_COVER_LAND"`
		SunAzimuth      string `xml:"SUN_AZIMUTH"`
		SunElevation    string `xml:"SUN_ELEVATION"`
	} `xml:"IMAGE_ATTRIBUTES"`
	ProjectionAttributes struct {
		MapProjection string `xml:"MAP_PROJECTION"`
		UTMZone       string `xml:"UTM_ZONE"`
		ULLat         string `xml:"CORNER_UL_LAT_PRODUCT"`
		ULLon         string `xml:"CORNER_UL_LON_PRODUCT"`
		URLat         string `xml:"CORNER_UR_LAT_PRODUCT"`
		URLon         string `xml:"CORNER_UR_LON_PRODUCT"`
		LLLat         string `xml:"CORNER_LL_LAT_PRODUCT"`
		LLLon         string `xml:"CORNER_LL_LON_PRODUCT"`
		LRLat         string `xml:"CORNER_LR_LAT_PRODUCT"`
		LRLon         string `xml:"CORNER_LR_LON_PRODUCT"`
	} `xml:"PROJECTION_ATTRIBUTES"`
}

// ReadMTL decodes an MTL.xml file
func ReadMTL(r io.Reader) (*MTL, error) {
	var mtl MTL
	if err := xml.NewDecoder(r).Decode(&mtl); err != nil {
		return nil, fmt.Errorf("ReadMTL.Decode: %w", err)
	}
	return &mtl, nil
}

// ParseMTL decodes an MTL.xml file and returns the corresponding catalog item
func ParseMTL(r io.Reader) (*stac.Item, error) {
	mtl, err := ReadMTL(r)
	if err != nil {
		return nil, fmt.Errorf("ParseMTL.%w", err)
	}
	item, err := mtl.Item()
	if err != nil {
		return nil, fmt.Errorf("ParseMTL.%w", err)
	}
	return item, nil
}

// ParseMTLFile is ParseMTL reading a local file
func ParseMTLFile(path string) (*stac.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ParseMTLFile.Open: %w", err)
	}
	defer f.Close()
	return ParseMTL(f)
}

func parseFloat(field, value string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, ErrInvalidMetadata{Field: field, Reason: err.Error()}
	}
	return f, nil
}

// ItemID returns the id of the item: the product id without the processing date
func ItemID(productID string) (string, error) {
	parts := strings.Split(productID, "_")
	if len(parts) != 7 {
		return "", ErrInvalidMetadata{Field: "LANDSAT_PRODUCT_ID", Reason: "unexpected format " + productID}
	}
	return strings.Join(append(parts[:4:4], parts[5:]...), "_"), nil
}

// Platform returns the platform name of a spacecraft id (LANDSAT_9 => landsat-9)
func Platform(spacecraftID string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(spacecraftID)), "_", "-")
}

// Instruments returns the instruments of a sensor id (OLI_TIRS => [oli tirs])
func Instruments(sensorID string) []string {
	var instruments []string
	for _, s := range strings.Split(strings.ToLower(strings.TrimSpace(sensorID)), "_") {
		switch s {
		case "":
		case "etm":
			instruments = append(instruments, "etm+")
		default:
			instruments = append(instruments, s)
		}
	}
	return instruments
}

// EPSG returns the epsg code of the projection of the scene, 0 if unknown
func (mtl *MTL) EPSG() int {
	pa := mtl.ProjectionAttributes
	switch strings.TrimSpace(pa.MapProjection) {
	case "UTM":
		zone, err := strconv.Atoi(strings.TrimSpace(pa.UTMZone))
		if err != nil || zone < 1 || zone > 60 {
			return 0
		}
		return 32600 + zone
	case "PS":
		return 3031
	}
	return 0
}

// Datetime returns the acquisition time of the center of the scene
func (mtl *MTL) Datetime() (time.Time, error) {
	ia := mtl.ImageAttributes
	date := strings.TrimSpace(ia.DateAcquired)
	centerTime := strings.Trim(strings.TrimSpace(ia.SceneCenterTime), `"`)
	if centerTime == "" {
		t, err := time.Parse("2006-01-02", date)
		if err != nil {
			return t, ErrInvalidMetadata{Field: "DATE_ACQUIRED", Reason: err.Error()}
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, date+"T"+centerTime)
	if err != nil {
		return t, ErrInvalidMetadata{Field: "SCENE_CENTER_TIME", Reason: err.Error()}
	}
	return t.UTC(), nil
}

// Footprint returns the (lon, lat) corners of the product, clockwise from the upper left
func (mtl *MTL) Footprint() ([][2]float64, error) {
	pa := mtl.ProjectionAttributes
	var corners [][2]float64
	for _, c := range []struct{ name, lon, lat string }{
		{"UL", pa.ULLon, pa.ULLat},
		{"UR", pa.URLon, pa.URLat},
		{"LR", pa.LRLon, pa.LRLat},
		{"LL", pa.LLLon, pa.LLLat},
	} {
		lon, err := parseFloat("CORNER_"+c.name+"_LON_PRODUCT", c.lon)
		if err != nil {
			return nil, err
		}
		lat, err := parseFloat("CORNER_"+c.name+"_LAT_PRODUCT", c.lat)
		if err != nil {
			return nil, err
		}
		corners = append(corners, [2]float64{lon, lat})
	}
	return corners, nil
}

// Item builds the catalog item described by the MTL file
func (mtl *MTL) Item() (*stac.Item, error) {
	pc, ia := mtl.ProductContents, mtl.ImageAttributes
	id, err := ItemID(strings.TrimSpace(pc.ProductID))
	if err != nil {
		return nil, fmt.Errorf("Item.%w", err)
	}
	if strings.TrimSpace(ia.SpacecraftID) == "" {
		return nil, ErrInvalidMetadata{Field: "SPACECRAFT_ID", Reason: "missing"}
	}
	datetime, err := mtl.Datetime()
	if err != nil {
		return nil, err
	}
	corners, err := mtl.Footprint()
	if err != nil {
		return nil, err
	}
	footprint, err := geometry.Footprint(corners...)
	if err != nil {
		return nil, fmt.Errorf("Item.%w", err)
	}
	bbox, err := geometry.BBox(footprint)
	if err != nil {
		return nil, fmt.Errorf("Item.%w", err)
	}

	item := stac.NewItem(id)
	item.StacExtensions = stacExtensions
	item.Geometry = &geojson.Geometry{Geometry: footprint}
	item.BBox = bbox
	p := &item.Properties
	p.Datetime = datetime
	p.Platform = Platform(ia.SpacecraftID)
	p.Instruments = Instruments(ia.SensorID)

	if ia.CloudCover != "" {
		cc, err := parseFloat("CLOUD_COVER", ia.CloudCover)
		if err != nil {
			return nil, err
		}
		// negative values stand for unknown
		if cc >= 0 {
			p.CloudCover = &cc
		}
	}
	for _, f := range []struct{ key, field, value string }{
		{"landsat:cloud_cover_land", "CLOUD_COVER_LAND", ia.CloudCoverLand},
		{"view:sun_azimuth", "SUN_AZIMUTH", ia.SunAzimuth},
		{"view:sun_elevation", "SUN_ELEVATION", ia.SunElevation},
	} {
		if f.value == "" {
			continue
		}
		v, err := parseFloat(f.field, f.value)
		if err != nil {
			return nil, err
		}
		if v >= 0 || f.key != "landsat:cloud_cover_land" {
			p.Set(f.key, v)
		}
	}
	for key, value := range map[string]string{
		"landsat:wrs_type":            ia.WRSType,
		"landsat:wrs_path":            padWRS(ia.WRSPath),
		"landsat:wrs_row":             padWRS(ia.WRSRow),
		"landsat:collection_category": pc.CollectionCategory,
		"landsat:collection_number":   pc.CollectionNumber,
		"landsat:correction":          pc.ProcessingLevel,
	} {
		if value = strings.TrimSpace(value); value != "" {
			p.Set(key, value)
		}
	}
	if epsg := mtl.EPSG(); epsg != 0 {
		p.Set("proj:epsg", epsg)
	}
	return item, nil
}

// padWRS formats path and row on three digits
func padWRS(s string) string {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return fmt.Sprintf("%03d", n)
	}
	return s
}
