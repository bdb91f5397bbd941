package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/landsat-ingester/service/geometry"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
)

// Area is an area of interest loaded from a geojson file
type Area struct {
	Name     string
	Geometry geom.Geometry
	// GeoJSON geometry object (feature collections are merged into a multipolygon)
	GeoJSON json.RawMessage
}

// UnmarshalGeometry, merging featureCollections and geometryCollections into a multipolygon
func UnmarshalGeometry(data []byte) (_ geom.Geometry, err error) {
	var g geojson.Geometry
	if err := g.UnmarshalJSON(data); err != nil {
		return g.Geometry, err
	}
	switch geo := g.Geometry.(type) {
	case geojson.FeatureCollection:
		var mp geom.MultiPolygon
		for _, f := range geo.Features {
			if err := geometry.MergeMultiPolygons(f.Geometry.Geometry, &mp); err != nil {
				return nil, err
			}
		}
		return mp, nil
	case geojson.Feature:
		return geo.Geometry.Geometry, nil
	default:
		return g.Geometry, nil
	}
}

// LoadArea reads a geojson file (geometry, feature or feature collection) or a wkt file
func LoadArea(path string) (Area, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Area{}, fmt.Errorf("LoadArea.ReadFile: %w", err)
	}
	var g geom.Geometry
	if strings.EqualFold(filepath.Ext(path), ".wkt") {
		g, err = geometry.FromWKT(strings.TrimSpace(string(data)))
	} else {
		g, err = UnmarshalGeometry(data)
	}
	if err != nil {
		return Area{}, fmt.Errorf("LoadArea.UnmarshalGeometry(%s): %w", path, err)
	}
	raw, err := json.Marshal(geojson.Geometry{Geometry: g})
	if err != nil {
		return Area{}, fmt.Errorf("LoadArea.Marshal(%s): %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Area{Name: name, Geometry: g, GeoJSON: raw}, nil
}

// LoadAreas reads all the geojson and wkt files of the directory, sorted by name
func LoadAreas(dir string) ([]Area, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("LoadAreas.ReadDir: %w", err)
	}
	var files []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".geojson", ".json", ".wkt":
			if !e.IsDir() {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(files)

	areas := make([]Area, 0, len(files))
	for _, f := range files {
		area, err := LoadArea(f)
		if err != nil {
			return nil, err
		}
		areas = append(areas, area)
	}
	return areas, nil
}

// ToJSON marshals v into workingdir/filename
func ToJSON(v interface{}, workingdir, filename string) error {
	if workingdir != "" {
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("toJSON.Marshal: %w", err)
		}
		if err := os.WriteFile(filepath.Join(workingdir, filename), vb, 0644); err != nil {
			return fmt.Errorf("toJSON.WriteFile: %w", err)
		}
	}
	return nil
}
