package geometry

import (
	"fmt"

	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
)

// MergeMultiPolygons appends all the polygons of g to mp
func MergeMultiPolygons(g geom.Geometry, mp *geom.MultiPolygon) error {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			if err := MergeMultiPolygons(g, mp); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("MergeMultiPolygons: unsupported geometry %T", g)
	}
	return nil
}

// FromWKT decodes a WKT string
func FromWKT(wkt string) (geom.Geometry, error) {
	geometry, err := geomwkt.DecodeString(wkt)
	if err != nil {
		return nil, fmt.Errorf("FromWKT.DecodeString: %w", err)
	}
	return geometry, nil
}

// Footprint returns the polygon of the points (lon, lat), closing the ring if necessary
func Footprint(points ...[2]float64) (geom.Polygon, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("Footprint: at least 3 points are expected, got %d", len(points))
	}
	ring := make([][2]float64, 0, len(points)+1)
	ring = append(ring, points...)
	if points[0] != points[len(points)-1] {
		ring = append(ring, points[0])
	}
	return geom.Polygon{ring}, nil
}

// BBox returns [minx, miny, maxx, maxy] of the geometry
func BBox(g geom.Geometry) ([]float64, error) {
	extent, err := geom.NewExtentFromGeometry(g)
	if err != nil {
		return nil, fmt.Errorf("BBox.NewExtentFromGeometry: %w", err)
	}
	return []float64{extent.MinX(), extent.MinY(), extent.MaxX(), extent.MaxY()}, nil
}
