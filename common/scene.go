package common

import (
	"encoding/json"
	"time"
)

// Scene describes a scene available for download.
// (Dataset, DisplayID) is its natural key.
type Scene struct {
	EntityID  string `json:"entityId"`
	ProductID string `json:"productId"`
	DisplayID string `json:"displayId"`
	Dataset   string `json:"dataset"`
	// URL of the archive
	URL              string    `json:"url"`
	AcquisitionStart time.Time `json:"acquisitionStart"`
	AcquisitionEnd   time.Time `json:"acquisitionEnd"`
	AOI              string    `json:"aoi"`
	// AOIGeometry is the geojson geometry used to search the scene
	AOIGeometry json.RawMessage `json:"aoiGeometry,omitempty"`
}

// Key returns the natural key of the scene
func (s Scene) Key() string {
	return s.Dataset + "/" + s.DisplayID
}

// Registration is the durable marker of a scene registered in the catalog
type Registration struct {
	DisplayID string `json:"displayId"`
	Dataset   string `json:"dataset"`
	FeatureID string `json:"featureId"`
}
