// Package downloadertest provides fake archives, download server and catalog to test the ingestion of scenes.
package downloadertest

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/interface/stac"
	"github.com/airbusgeo/landsat-ingester/metadata"
	"github.com/airbusgeo/landsat-ingester/service"
	"golang.org/x/image/tiff"
)

const mtlTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<LANDSAT_METADATA_FILE>
  <PRODUCT_CONTENTS>
    <LANDSAT_PRODUCT_ID>%s</LANDSAT_PRODUCT_ID>
    <PROCESSING_LEVEL>L1TP</PROCESSING_LEVEL>
    <COLLECTION_NUMBER>02</COLLECTION_NUMBER>
    <COLLECTION_CATEGORY>T1</COLLECTION_CATEGORY>
  </PRODUCT_CONTENTS>
  <IMAGE_ATTRIBUTES>
    <SPACECRAFT_ID>%s</SPACECRAFT_ID>
    <SENSOR_ID>OLI_TIRS</SENSOR_ID>
    <WRS_PATH>191</WRS_PATH>
    <WRS_ROW>25</WRS_ROW>
    <DATE_ACQUIRED>2024-01-01</DATE_ACQUIRED>
    <SCENE_CENTER_TIME>09:50:15.1234560Z</SCENE_CENTER_TIME>
    <CLOUD_COVER>12.34</CLOUD_COVER>
    <SUN_AZIMUTH>160.5</SUN_AZIMUTH>
    <SUN_ELEVATION>15.25</SUN_ELEVATION>
  </IMAGE_ATTRIBUTES>
  <PROJECTION_ATTRIBUTES>
    <MAP_PROJECTION>UTM</MAP_PROJECTION>
    <UTM_ZONE>33</UTM_ZONE>
    <CORNER_UL_LAT_PRODUCT>51.5</CORNER_UL_LAT_PRODUCT>
    <CORNER_UL_LON_PRODUCT>13.0</CORNER_UL_LON_PRODUCT>
    <CORNER_UR_LAT_PRODUCT>51.5</CORNER_UR_LAT_PRODUCT>
    <CORNER_UR_LON_PRODUCT>16.0</CORNER_UR_LON_PRODUCT>
    <CORNER_LL_LAT_PRODUCT>49.5</CORNER_LL_LAT_PRODUCT>
    <CORNER_LL_LON_PRODUCT>13.0</CORNER_LL_LON_PRODUCT>
    <CORNER_LR_LAT_PRODUCT>49.5</CORNER_LR_LAT_PRODUCT>
    <CORNER_LR_LON_PRODUCT>16.0</CORNER_LR_LON_PRODUCT>
  </PROJECTION_ATTRIBUTES>
</LANDSAT_METADATA_FILE>`

// MTL returns the MTL file of the scene
func MTL(displayID string) []byte {
	platform, err := common.Platform(displayID)
	spacecraft := "LANDSAT_9"
	if err == nil {
		spacecraft = "LANDSAT_" + platform[len("landsat-"):]
	}
	return []byte(fmt.Sprintf(mtlTemplate, displayID, spacecraft))
}

// ItemID returns the id of the item built from MTL(displayID)
func ItemID(displayID string) string {
	id, _ := metadata.ItemID(displayID)
	return id
}

// ArchiveOptions describes the content of a fake archive
type ArchiveOptions struct {
	// Bands included in the archive (default: 1 to 7)
	Bands []int
	// NoMTL removes the MTL file
	NoMTL bool
	// InvalidMTL writes an MTL file that cannot be parsed
	InvalidMTL bool
	// PregeneratedItem includes a pre-generated stac item with this id
	PregeneratedItem string
	// InvalidItem includes a pre-generated stac item without id
	InvalidItem bool
}

func bandTIFF(band int) ([]byte, error) {
	img := image.NewGray16(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 + 100*x + 10*y + band)})
		}
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Archive returns a tarball of the scene
func Archive(displayID string, opts ArchiveOptions) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	add := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), ModTime: time.Unix(1704067200, 0)}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	switch {
	case opts.NoMTL:
	case opts.InvalidMTL:
		if err := add(common.MTLFileName(displayID), []byte("<LANDSAT_METADATA_FILE></LANDSAT_METADATA_FILE>")); err != nil {
			return nil, err
		}
	default:
		if err := add(common.MTLFileName(displayID), MTL(displayID)); err != nil {
			return nil, err
		}
	}
	if err := add(common.ANGFileName(displayID), []byte("GROUP = FILE_HEADER\nEND_GROUP = FILE_HEADER\nEND\n")); err != nil {
		return nil, err
	}
	if opts.PregeneratedItem != "" {
		item := stac.NewItem(opts.PregeneratedItem)
		item.AddAsset("vendor", stac.Asset{Href: "https://landsatlook.usgs.gov/data/" + displayID})
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		if err := add(common.STACFileName(displayID), b); err != nil {
			return nil, err
		}
	}
	if opts.InvalidItem {
		if err := add(common.STACFileName(displayID), []byte(`{"type":"Feature"}`)); err != nil {
			return nil, err
		}
	}
	bands := opts.Bands
	if bands == nil {
		bands = []int{1, 2, 3, 4, 5, 6, 7}
	}
	for _, b := range bands {
		data, err := bandTIFF(b)
		if err != nil {
			return nil, err
		}
		if err := add(common.BandFileName(displayID, b), data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type file struct {
	name string
	data []byte
}

// Server is a fake download server. Archives are served under /download/{entityID}.
type Server struct {
	*httptest.Server
	// Delay of each transfer
	Delay time.Duration

	mu          sync.Mutex
	files       map[string]file
	gets        map[string]int
	truncate    map[string]int
	noFilename  bool
	inFlight    int
	maxInFlight int
}

// NewServer starts a download server. It must be closed by the caller.
func NewServer() *Server {
	s := &Server{
		files:    map[string]file{},
		gets:     map[string]int{},
		truncate: map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Add serves the archive of the entity under the filename and returns its url
func (s *Server) Add(entityID, filename string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[entityID] = file{name: filename, data: data}
	return s.URL + "/download/" + entityID
}

// Truncate sends only half of the archive in the n next transfers of the entity
func (s *Server) Truncate(entityID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate[entityID] = n
}

// DropFilename removes the Content-Disposition header of the responses
func (s *Server) DropFilename(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noFilename = drop
}

// Gets returns the number of GET requests of the entity
func (s *Server) Gets(entityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[entityID]
}

// MaxInFlight returns the maximum number of concurrent GET requests
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	entityID := path.Base(r.URL.Path)
	s.mu.Lock()
	f, ok := s.files[entityID]
	noFilename := s.noFilename
	truncated := false
	if ok && r.Method == http.MethodGet {
		s.gets[entityID]++
		if s.truncate[entityID] > 0 {
			s.truncate[entityID]--
			truncated = true
		}
		s.inFlight++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		}()
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet && s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if !noFilename {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.name))
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodGet {
		return
	}
	if truncated {
		w.Write(f.data[:len(f.data)/2])
		return
	}
	w.Write(f.data)
}

// Catalog is a fake search catalog, upserting the items by id
type Catalog struct {
	// FailCollection makes Register fail for the items of this collection
	FailCollection string

	mu       sync.Mutex
	features map[string]string
	items    map[string]*stac.Item
	creates  int
	updates  int
}

// NewCatalog returns an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{features: map[string]string{}, items: map[string]*stac.Item{}}
}

// Register implements downloader.Catalog
func (c *Catalog) Register(ctx context.Context, item *stac.Item, collection string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCollection != "" && collection == c.FailCollection {
		return "", fmt.Errorf("collection %s is not available", collection)
	}
	key := collection + "/" + item.ID
	c.items[key] = item
	if id, ok := c.features[key]; ok {
		c.updates++
		return id, nil
	}
	c.creates++
	id := fmt.Sprintf("feature-%d", len(c.features)+1)
	c.features[key] = id
	return id, nil
}

// Counts returns the number of creations and updates
func (c *Catalog) Counts() (creates, updates int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.updates
}

// Item returns the last registered version of the item
func (c *Catalog) Item(collection, id string) (*stac.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[collection+"/"+id]
	return item, ok
}

// Store uploads data to the key of the store, through a temporary file of dir
func Store(ctx context.Context, store service.ObjectStore, dir, key string, data []byte) error {
	p := filepath.Join(dir, path.Base(key))
	if err := os.WriteFile(p, data, 0644); err != nil {
		return err
	}
	defer os.Remove(p)
	return store.Upload(ctx, p, key)
}
