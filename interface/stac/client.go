package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airbusgeo/landsat-ingester/interface/shared"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"golang.org/x/oauth2"
)

const tokenLifetime = 24 * time.Hour

// ErrCatalog is returned when the catalog reports an error other than a conflict
type ErrCatalog struct {
	Code    int
	Message string
}

func (e ErrCatalog) Error() string {
	return fmt.Sprintf("catalog error %d: %s", e.Code, e.Message)
}

// Options of the client
type Options struct {
	URL      string
	Username string
	Password string
	// Timeout of each request
	Timeout       time.Duration
	Retry         service.RetryPolicy
	TokenLifetime time.Duration
}

// DefaultOptions returns the options without url nor credentials
func DefaultOptions() Options {
	return Options{
		Timeout:       service.DefaultRequestTimeout,
		Retry:         service.DefaultRetryPolicy(),
		TokenLifetime: tokenLifetime,
	}
}

// Client of a RESTO STAC catalog, safe for concurrent use
type Client struct {
	opts   Options
	http   *http.Client
	tokens *shared.TokenSource
}

// New creates a client. No request is sent before the first call.
func New(opts Options) (*Client, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, service.ErrCredentialsMissing{Service: "stac"}
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("stac.New: url is not defined")
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = tokenLifetime
	}
	c := &Client{opts: opts}
	c.tokens = shared.NewTokenSource("stac", opts.TokenLifetime, c.login)
	c.http = service.NewHTTPClient(opts.Timeout)
	c.http.Transport = &shared.Transport{
		Source: c.tokens,
		Header: "Authorization",
		Prefix: "Bearer ",
		Skip:   []string{c.endpoint("auth")},
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	return strings.TrimSuffix(c.opts.URL, "/") + "/" + strings.Join(parts, "/")
}

func (c *Client) login(ctx context.Context) (string, error) {
	url := c.endpoint("auth")
	resp, err := service.DoWithRetry(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
		return req, nil
	}, c.opts.Retry)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	var auth struct {
		Token string `json:"token"`
	}
	if err := service.DecodeJSON(resp, &auth); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if auth.Token == "" {
		return "", service.ErrTokenNotObtained{Service: "stac"}
	}
	return auth.Token, nil
}

// Authenticate logs in and caches the new token
func (c *Client) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	return c.tokens.Authenticate(ctx)
}

func (c *Client) newJSONRequest(method, url string, body []byte) service.NewRequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

type catalogResponse struct {
	Status       string `json:"status"`
	ErrorCode    int    `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage"`
	Features     []struct {
		FeatureID string `json:"featureId"`
	} `json:"features"`
	Errors []struct {
		Code  int    `json:"code"`
		Error string `json:"error"`
	} `json:"errors"`
}

// embeddedError returns the error reported in the body, if any
func (r catalogResponse) embeddedError() *ErrCatalog {
	if r.ErrorCode != 0 {
		return &ErrCatalog{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	if len(r.Errors) > 0 {
		return &ErrCatalog{Code: r.Errors[0].Code, Message: r.Errors[0].Error}
	}
	return nil
}

// conflictingID returns the id of the existing feature from a message like "Feature <id> already exists"
func conflictingID(message string) (string, error) {
	words := strings.Fields(message)
	if len(words) < 2 {
		return "", fmt.Errorf("cannot find the feature id in the message: %s", message)
	}
	return words[1], nil
}

func readCatalogResponse(resp *http.Response, url string) (catalogResponse, error) {
	defer resp.Body.Close()
	var r catalogResponse
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r, fmt.Errorf("ReadAll: %w", err)
	}
	if err := json.Unmarshal(body, &r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return r, service.ErrRequestNotOK{URL: url, StatusCode: resp.StatusCode}
		}
		return r, fmt.Errorf("Unmarshal [%.200s]: %w", body, err)
	}
	return r, nil
}

// Register publishes the item in the collection and returns its feature id.
// If the item already exists, it is updated.
func (c *Client) Register(ctx context.Context, item *Item, collection string) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("Register.Marshal: %w", err)
	}
	url := c.endpoint("collections", collection, "items")
	resp, err := service.DoWithRetryAnyStatus(ctx, c.http, c.newJSONRequest(http.MethodPost, url, body), c.opts.Retry)
	if err != nil {
		return "", fmt.Errorf("Register: %w", err)
	}
	r, err := readCatalogResponse(resp, url)
	if err != nil {
		return "", fmt.Errorf("Register.%w", err)
	}

	if e := r.embeddedError(); e != nil {
		if e.Code != http.StatusConflict {
			return "", fmt.Errorf("Register: %w", *e)
		}
		featureID, err := conflictingID(e.Message)
		if err != nil {
			return "", fmt.Errorf("Register: %w", err)
		}
		log.Logger(ctx).Sugar().Infof("item %s already exists as %s, updating", item.ID, featureID)
		return c.Update(ctx, item, collection, featureID)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Register: %w", service.ErrRequestNotOK{URL: url, StatusCode: resp.StatusCode})
	}
	if len(r.Features) == 0 || r.Features[0].FeatureID == "" {
		return "", fmt.Errorf("Register: no feature id in response")
	}
	log.Logger(ctx).Sugar().Infof("item %s registered to %s", item.ID, url)
	return r.Features[0].FeatureID, nil
}

// Update replaces the feature featureID of the collection
func (c *Client) Update(ctx context.Context, item *Item, collection, featureID string) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("Update.Marshal: %w", err)
	}
	url := c.endpoint("collections", collection, "items", featureID)
	resp, err := service.DoWithRetry(ctx, c.http, c.newJSONRequest(http.MethodPut, url, body), c.opts.Retry)
	if err != nil {
		return "", fmt.Errorf("Update: %w", err)
	}
	r, err := readCatalogResponse(resp, url)
	if err != nil {
		return "", fmt.Errorf("Update.%w", err)
	}
	if r.Status != "success" {
		if e := r.embeddedError(); e != nil {
			return "", fmt.Errorf("Update: %w", *e)
		}
		return "", fmt.Errorf("Update: %w", service.ErrRequestNotOK{URL: url, StatusCode: resp.StatusCode})
	}
	log.Logger(ctx).Sugar().Infof("item %s updated (%s)", item.ID, url)
	return featureID, nil
}
