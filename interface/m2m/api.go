package m2m

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoints of the M2M json API
const (
	endpointLogin           = "login-token"
	endpointSceneSearch     = "scene-search"
	endpointSceneListAdd    = "scene-list-add"
	endpointSceneListRemove = "scene-list-remove"
	endpointDownloadOptions = "download-options"
	endpointDownloadRequest = "download-request"
)

// Download systems providing the bundles of the scenes
var downloadSystems = map[string]bool{"dds": true, "ls_zip": true}

// ErrAPI is returned when the API reports an error in its response
type ErrAPI struct {
	Code    string
	Message string
}

func (e ErrAPI) Error() string {
	return fmt.Sprintf("m2m api error %s: %s", e.Code, e.Message)
}

// ErrFewerURLsThanRequested is returned when some download options did not get an url
type ErrFewerURLsThanRequested struct {
	Requested int
	Obtained  int
}

func (e ErrFewerURLsThanRequested) Error() string {
	return fmt.Sprintf("download-request returned fewer urls (%d) than requested (%d)", e.Obtained, e.Requested)
}

// ErrDownloadsNotReady is returned when downloads are still being prepared after the maximum number of polls
type ErrDownloadsNotReady struct {
	Preparing int
	Polls     int
}

func (e ErrDownloadsNotReady) Error() string {
	return fmt.Sprintf("%d downloads still preparing after %d polls", e.Preparing, e.Polls)
}

// Temporary implements errTmpIf: the downloads may be ready on the next run
func (e ErrDownloadsNotReady) Temporary() bool { return true }

type envelope struct {
	Data         json.RawMessage `json:"data"`
	ErrorCode    json.RawMessage `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

// err returns the error reported by the API, if any
func (e envelope) err() error {
	code := strings.Trim(string(e.ErrorCode), `" `)
	if code == "" || code == "null" {
		return nil
	}
	return ErrAPI{Code: code, Message: e.ErrorMessage}
}

type loginPayload struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type searchPayload struct {
	MaxResults  int         `json:"maxResults"`
	DatasetName string      `json:"datasetName"`
	SceneFilter sceneFilter `json:"sceneFilter"`
}

type sceneFilter struct {
	SpatialFilter     spatialFilter     `json:"spatialFilter"`
	AcquisitionFilter acquisitionFilter `json:"acquisitionFilter"`
}

type spatialFilter struct {
	FilterType string          `json:"filterType"`
	GeoJSON    json.RawMessage `json:"geoJson"`
}

type acquisitionFilter struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SceneResult is a scene returned by the search
type SceneResult struct {
	EntityID  string `json:"entityId"`
	DisplayID string `json:"displayId"`
}

type searchData struct {
	Results         []SceneResult `json:"results"`
	TotalHits       int           `json:"totalHits"`
	RecordsReturned int           `json:"recordsReturned"`
}

type listAddPayload struct {
	ListID      string   `json:"listId"`
	DatasetName string   `json:"datasetName"`
	IDField     string   `json:"idField"`
	EntityIDs   []string `json:"entityIds"`
}

type listRemovePayload struct {
	ListID string `json:"listId"`
}

type downloadOptionsPayload struct {
	ListID                     string `json:"listId"`
	DatasetName                string `json:"datasetName"`
	IncludeSecondaryFileGroups string `json:"includeSecondaryFileGroups"`
}

type downloadOption struct {
	ID             string `json:"id"`
	EntityID       string `json:"entityId"`
	DisplayID      string `json:"displayId"`
	DownloadSystem string `json:"downloadSystem"`
	Available      bool   `json:"available"`
}

type download struct {
	EntityID  string `json:"entityId"`
	ProductID string `json:"productId"`
}

type downloadRequestPayload struct {
	Downloads []download `json:"downloads"`
}

type downloadURL struct {
	URL string `json:"url"`
}

type downloadRequestData struct {
	AvailableDownloads []downloadURL `json:"availableDownloads"`
	PreparingDownloads []downloadURL `json:"preparingDownloads"`
}
