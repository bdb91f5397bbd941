package m2m

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/interface/shared"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"golang.org/x/oauth2"
)

const (
	// DefaultURL of the M2M json API
	DefaultURL = "https://m2m.cr.usgs.gov/api/api/json/stable/"
	// DefaultLabel of the scene list
	DefaultLabel = "landsat_downloader"

	tokenLifetime = 2 * time.Hour
	maxResults    = 10000
	dayFormat     = "2006-01-02"
)

// Options of the client
type Options struct {
	URL      string
	Username string
	Token    string
	// Timeout of each request
	Timeout time.Duration
	Retry   service.RetryPolicy
	// PollInterval between two download-requests of the downloads still being prepared
	PollInterval time.Duration
	// MaxPolls is the maximum number of polls before giving up with ErrDownloadsNotReady
	MaxPolls int
	// TokenLifetime of the api token
	TokenLifetime time.Duration
}

// DefaultOptions returns the options of the USGS M2M API, without credentials
func DefaultOptions() Options {
	return Options{
		URL:           DefaultURL,
		Timeout:       service.DefaultRequestTimeout,
		Retry:         service.DefaultRetryPolicy(),
		PollInterval:  5 * time.Second,
		MaxPolls:      120,
		TokenLifetime: tokenLifetime,
	}
}

// Client of the USGS M2M API, safe for concurrent use
type Client struct {
	opts   Options
	http   *http.Client
	tokens *shared.TokenSource
}

// New creates a client. No request is sent before the first call.
func New(opts Options) (*Client, error) {
	if opts.Username == "" || opts.Token == "" {
		return nil, service.ErrCredentialsMissing{Service: "m2m"}
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = tokenLifetime
	}
	c := &Client{opts: opts}
	c.tokens = shared.NewTokenSource("m2m", opts.TokenLifetime, c.login)
	c.http = service.NewHTTPClient(opts.Timeout)
	c.http.Transport = &shared.Transport{
		Source: c.tokens,
		Header: "X-Auth-Token",
		Skip:   []string{c.endpoint(endpointLogin)},
	}
	return c, nil
}

func (c *Client) endpoint(name string) string {
	return strings.TrimSuffix(c.opts.URL, "/") + "/" + name
}

// send posts the payload to the endpoint and decodes the data of the response into data (if not nil)
func (c *Client) send(ctx context.Context, endpoint string, payload, data interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("send.Marshal: %w", err)
	}
	url := c.endpoint(endpoint)
	resp, err := service.DoWithRetry(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, c.opts.Retry)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	var env envelope
	if err := service.DecodeJSON(resp, &env); err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if err := env.err(); err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("%s.Unmarshal: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	var token *string
	if err := c.send(ctx, endpointLogin, loginPayload{Username: c.opts.Username, Token: c.opts.Token}, &token); err != nil {
		return "", err
	}
	if token == nil || *token == "" {
		return "", service.ErrTokenNotObtained{Service: "m2m"}
	}
	return *token, nil
}

// Authenticate logs in and caches the new api token
func (c *Client) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	return c.tokens.Authenticate(ctx)
}

// SearchScenes returns the scenes of the dataset intersecting the geometry and acquired between dayStart and dayEnd
func (c *Client) SearchScenes(ctx context.Context, dataset string, geometry json.RawMessage, dayStart, dayEnd time.Time) ([]SceneResult, error) {
	payload := searchPayload{
		MaxResults:  maxResults,
		DatasetName: dataset,
		SceneFilter: sceneFilter{
			SpatialFilter: spatialFilter{FilterType: "geojson", GeoJSON: geometry},
			AcquisitionFilter: acquisitionFilter{
				Start: dayStart.Format(dayFormat),
				End:   dayEnd.Format(dayFormat),
			},
		},
	}
	var data searchData
	if err := c.send(ctx, endpointSceneSearch, payload, &data); err != nil {
		return nil, fmt.Errorf("SearchScenes: %w", err)
	}
	ids := make([]string, len(data.Results))
	for i, r := range data.Results {
		ids[i] = r.DisplayID
	}
	log.Logger(ctx).Sugar().Infof("total hits: %d, records returned: %d, returned ids: %v", data.TotalHits, data.RecordsReturned, ids)
	return data.Results, nil
}

// ResolveDownloads registers the scenes in the list label, and returns the scenes with their download urls
func (c *Client) ResolveDownloads(ctx context.Context, dataset string, results []SceneResult, aoi service.Area, label string, start, end time.Time) ([]common.Scene, error) {
	if len(results) == 0 {
		return nil, nil
	}
	displayIDs := map[string]string{}
	entityIDs := make([]string, 0, len(results))
	for _, r := range results {
		if _, ok := displayIDs[r.EntityID]; !ok {
			entityIDs = append(entityIDs, r.EntityID)
		}
		displayIDs[r.EntityID] = r.DisplayID
	}

	if err := c.send(ctx, endpointSceneListRemove, listRemovePayload{ListID: label}, nil); err != nil {
		return nil, fmt.Errorf("ResolveDownloads: %w", err)
	}
	if err := c.send(ctx, endpointSceneListAdd, listAddPayload{ListID: label, DatasetName: dataset, IDField: "entityId", EntityIDs: entityIDs}, nil); err != nil {
		return nil, fmt.Errorf("ResolveDownloads: %w", err)
	}

	options, err := c.downloadOptions(ctx, label, dataset)
	if err != nil {
		return nil, fmt.Errorf("ResolveDownloads: %w", err)
	}
	urls, err := c.downloadURLs(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("ResolveDownloads: %w", err)
	}

	scenes := make([]common.Scene, 0, len(urls))
	for _, u := range urls {
		displayID, ok := displayIDs[u.option.EntityID]
		if !ok {
			displayID = u.option.DisplayID
		}
		acqStart, acqEnd := start, end
		if d, err := common.GetDateFromProductId(displayID); err == nil {
			acqStart, acqEnd = d, d.AddDate(0, 0, 1)
		}
		scenes = append(scenes, common.Scene{
			EntityID:         u.option.EntityID,
			ProductID:        u.option.ID,
			DisplayID:        displayID,
			Dataset:          dataset,
			URL:              u.url,
			AcquisitionStart: acqStart,
			AcquisitionEnd:   acqEnd,
			AOI:              aoi.Name,
			AOIGeometry:      aoi.GeoJSON,
		})
	}
	return scenes, nil
}

// downloadOptions returns the available options of the list, provided by one of the downloadSystems
func (c *Client) downloadOptions(ctx context.Context, label, dataset string) ([]downloadOption, error) {
	var options []downloadOption
	payload := downloadOptionsPayload{ListID: label, DatasetName: dataset, IncludeSecondaryFileGroups: "true"}
	if err := c.send(ctx, endpointDownloadOptions, payload, &options); err != nil {
		return nil, fmt.Errorf("downloadOptions: %w", err)
	}
	filtered := options[:0]
	for _, o := range options {
		if downloadSystems[o.DownloadSystem] && o.Available {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

type optionURL struct {
	option downloadOption
	url    string
}

// downloadURLs requests the downloads of the options, polling the ones being prepared.
// Urls are deduplicated.
func (c *Client) downloadURLs(ctx context.Context, options []downloadOption) ([]optionURL, error) {
	var urls []optionURL
	seen := service.StringSet{}
	requested := map[download]struct{}{}

	pending := options
	for polls := 0; ; polls++ {
		var preparing []downloadOption
		for _, o := range pending {
			d := download{EntityID: o.EntityID, ProductID: o.ID}
			requested[d] = struct{}{}
			var data downloadRequestData
			if err := c.send(ctx, endpointDownloadRequest, downloadRequestPayload{Downloads: []download{d}}, &data); err != nil {
				return nil, fmt.Errorf("downloadURLs: %w", err)
			}
			for _, a := range data.AvailableDownloads {
				if !seen.Exists(a.URL) {
					seen.Push(a.URL)
					urls = append(urls, optionURL{option: o, url: a.URL})
				}
			}
			if len(data.PreparingDownloads) > 0 {
				preparing = append(preparing, o)
			}
		}
		if len(preparing) == 0 {
			break
		}
		if polls >= c.opts.MaxPolls {
			return nil, ErrDownloadsNotReady{Preparing: len(preparing), Polls: polls}
		}
		log.Logger(ctx).Sugar().Debugf("%d downloads are being prepared, waiting %v", len(preparing), c.opts.PollInterval)
		select {
		case <-time.After(c.opts.PollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("downloadURLs: %w", ctx.Err())
		}
		pending = preparing
	}

	if len(urls) < len(requested) {
		return nil, ErrFewerURLsThanRequested{Requested: len(requested), Obtained: len(urls)}
	}
	return urls, nil
}

// Discover returns the downloadable scenes of the dataset acquired during the day over the area.
// The scenes are registered in the list label, until ReleaseList.
func (c *Client) Discover(ctx context.Context, dataset string, aoi service.Area, day time.Time, label string) ([]common.Scene, error) {
	results, err := c.SearchScenes(ctx, dataset, aoi.GeoJSON, day, day)
	if err != nil {
		return nil, fmt.Errorf("Discover.%w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	scenes, err := c.ResolveDownloads(ctx, dataset, results, aoi, label, day, day)
	if err != nil {
		return nil, fmt.Errorf("Discover.%w", err)
	}
	return scenes, nil
}

// ReleaseList removes the list label. The error may be ignored.
func (c *Client) ReleaseList(ctx context.Context, label string) error {
	if err := c.send(ctx, endpointSceneListRemove, listRemovePayload{ListID: label}, nil); err != nil {
		log.Logger(ctx).Sugar().Warnf("failed to remove the scene list %s: %v", label, err)
		return fmt.Errorf("ReleaseList: %w", err)
	}
	return nil
}
