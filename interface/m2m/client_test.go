package m2m

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/airbusgeo/landsat-ingester/service"
)

type fakeM2M struct {
	mu        sync.Mutex
	calls     []string
	logins    int
	badTokens int
	// responses by endpoint. download-request is keyed by entityId and returns one response per call
	data      map[string]string
	downloads map[string][]string
	loginData string
	errorCode string
}

func (f *fakeM2M) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	endpoint := path.Base(r.URL.Path)
	f.calls = append(f.calls, endpoint)
	var payload map[string]json.RawMessage
	json.NewDecoder(r.Body).Decode(&payload)

	if endpoint == endpointLogin {
		f.logins++
		if f.errorCode != "" {
			fmt.Fprintf(w, `{"data":null,"errorCode":%q,"errorMessage":"invalid credentials"}`, f.errorCode)
			return
		}
		fmt.Fprintf(w, `{"data":%s,"errorCode":null,"errorMessage":null}`, f.loginData)
		return
	}
	if r.Header.Get("X-Auth-Token") != "api-token" {
		f.badTokens++
	}
	data := f.data[endpoint]
	if endpoint == endpointDownloadRequest {
		var d downloadRequestPayload
		raw, _ := json.Marshal(payload)
		json.Unmarshal(raw, &d)
		id := d.Downloads[0].EntityID
		responses := f.downloads[id]
		data = responses[0]
		if len(responses) > 1 {
			f.downloads[id] = responses[1:]
		}
	}
	if data == "" {
		data = "null"
	}
	fmt.Fprintf(w, `{"data":%s,"errorCode":null,"errorMessage":null}`, data)
}

func (f *fakeM2M) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeM2M) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeM2M) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == endpoint {
			n++
		}
	}
	return n
}

const (
	twoScenes = `{"results":[{"entityId":"E1","displayId":"LC09_L1TP_191025_20240101_20240101_02_T1"},
		{"entityId":"E2","displayId":"LC08_L1TP_191026_20240101_20240102_02_T1"}],"totalHits":2,"recordsReturned":2}`
	fourOptions = `[{"id":"P1","entityId":"E1","downloadSystem":"dds","available":true},
		{"id":"P2","entityId":"E2","downloadSystem":"ls_zip","available":true},
		{"id":"P3","entityId":"E1","downloadSystem":"dds","available":false},
		{"id":"P4","entityId":"E2","downloadSystem":"folder","available":true}]`
	available = `{"availableDownloads":[{"url":"%s"}],"preparingDownloads":[]}`
	preparing = `{"availableDownloads":[],"preparingDownloads":[{"url":"http://dds/preparing"}]}`
)

func newTestClient(t *testing.T, f *fakeM2M) (*Client, func()) {
	srv := httptest.NewServer(f)
	opts := DefaultOptions()
	opts.URL = srv.URL + "/api/"
	opts.Username = "user"
	opts.Token = "secret"
	opts.PollInterval = time.Millisecond
	opts.Retry = service.RetryPolicy{MaxRetries: 1, Sleep: time.Millisecond}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if f.loginData == "" {
		f.loginData = `"api-token"`
	}
	return c, srv.Close
}

var area = service.Area{Name: "aoi", GeoJSON: json.RawMessage(`{"type":"Polygon","coordinates":[[[1,43],[2,43],[2,44],[1,43]]]}`)}
var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewCredentialsMissing(t *testing.T) {
	_, err := New(Options{Username: "user"})
	var e service.ErrCredentialsMissing
	if !errors.As(err, &e) {
		t.Errorf("expecting ErrCredentialsMissing, found %v", err)
	}
}

func TestDiscover(t *testing.T) {
	f := &fakeM2M{
		data: map[string]string{
			endpointSceneSearch:     twoScenes,
			endpointDownloadOptions: fourOptions,
		},
		downloads: map[string][]string{
			"E1": {fmt.Sprintf(available, "http://dds/1")},
			"E2": {preparing, preparing, fmt.Sprintf(available, "http://dds/2")},
		},
	}
	c, closeSrv := newTestClient(t, f)
	defer closeSrv()

	scenes, err := c.Discover(context.Background(), "landsat_ot_c2_l1", area, day, DefaultLabel)
	if err != nil {
		t.Fatal(err)
	}
	if len(scenes) != 2 {
		t.Fatalf("expecting 2 scenes, found %d", len(scenes))
	}
	for _, s := range scenes {
		switch s.EntityID {
		case "E1":
			if s.URL != "http://dds/1" || s.ProductID != "P1" || s.DisplayID != "LC09_L1TP_191025_20240101_20240101_02_T1" {
				t.Errorf("unexpected scene %+v", s)
			}
		case "E2":
			if s.URL != "http://dds/2" || s.ProductID != "P2" {
				t.Errorf("unexpected scene %+v", s)
			}
		default:
			t.Errorf("unexpected scene %+v", s)
		}
		if s.Dataset != "landsat_ot_c2_l1" || s.AOI != "aoi" || !s.AcquisitionStart.Equal(day) {
			t.Errorf("unexpected scene %+v", s)
		}
	}
	if n := f.loginCount(); n != 1 {
		t.Errorf("expecting a single login, found %d", n)
	}
	f.set(func() {
		if f.badTokens != 0 {
			t.Errorf("%d requests sent without the api token", f.badTokens)
		}
	})
	if n := f.count(endpointDownloadRequest); n != 4 {
		t.Errorf("expecting 4 download-requests (1 + 3 polls), found %d", n)
	}
	// list is removed before being filled
	var order []string
	f.set(func() {
		for _, c := range f.calls {
			if c == endpointSceneListRemove || c == endpointSceneListAdd {
				order = append(order, c)
			}
		}
	})
	if len(order) != 2 || order[0] != endpointSceneListRemove {
		t.Errorf("unexpected list calls %v", order)
	}
}

func TestDiscoverEmpty(t *testing.T) {
	f := &fakeM2M{data: map[string]string{endpointSceneSearch: `{"results":[],"totalHits":0,"recordsReturned":0}`}}
	c, closeSrv := newTestClient(t, f)
	defer closeSrv()

	scenes, err := c.Discover(context.Background(), "landsat_ot_c2_l1", area, day, DefaultLabel)
	if err != nil || len(scenes) != 0 {
		t.Fatalf("expecting no scene, found %v (%v)", scenes, err)
	}
	if n := f.count(endpointSceneListAdd) + f.count(endpointSceneListRemove); n != 0 {
		t.Errorf("the list must not be touched: %d calls", n)
	}
}

func TestFewerURLs(t *testing.T) {
	f := &fakeM2M{
		data: map[string]string{
			endpointSceneSearch:     twoScenes,
			endpointDownloadOptions: fourOptions,
		},
		downloads: map[string][]string{
			"E1": {fmt.Sprintf(available, "http://dds/same")},
			"E2": {fmt.Sprintf(available, "http://dds/same")},
		},
	}
	c, closeSrv := newTestClient(t, f)
	defer closeSrv()

	_, err := c.Discover(context.Background(), "landsat_ot_c2_l1", area, day, DefaultLabel)
	var e ErrFewerURLsThanRequested
	if !errors.As(err, &e) {
		t.Fatalf("expecting ErrFewerURLsThanRequested, found %v", err)
	}
	if e.Requested != 2 || e.Obtained != 1 {
		t.Errorf("unexpected %+v", e)
	}
}

func TestDownloadsNotReady(t *testing.T) {
	f := &fakeM2M{
		data: map[string]string{
			endpointSceneSearch:     twoScenes,
			endpointDownloadOptions: fourOptions,
		},
		downloads: map[string][]string{
			"E1": {fmt.Sprintf(available, "http://dds/1")},
			"E2": {preparing},
		},
	}
	c, closeSrv := newTestClient(t, f)
	defer closeSrv()
	c.opts.MaxPolls = 2

	_, err := c.Discover(context.Background(), "landsat_ot_c2_l1", area, day, DefaultLabel)
	var e ErrDownloadsNotReady
	if !errors.As(err, &e) || e.Preparing != 1 || e.Polls != 2 {
		t.Fatalf("expecting ErrDownloadsNotReady, found %v", err)
	}
}

func TestLoginErrors(t *testing.T) {
	f := &fakeM2M{errorCode: "AUTH_INVALID"}
	c, closeSrv := newTestClient(t, f)
	defer closeSrv()

	_, err := c.Authenticate(context.Background())
	var apiErr ErrAPI
	if !errors.As(err, &apiErr) || apiErr.Code != "AUTH_INVALID" {
		t.Errorf("expecting ErrAPI, found %v", err)
	}

	f.set(func() {
		f.errorCode = ""
		f.loginData = "null"
	})
	_, err = c.SearchScenes(context.Background(), "landsat_ot_c2_l1", area.GeoJSON, day, day)
	var tokErr service.ErrTokenNotObtained
	if !errors.As(err, &tokErr) {
		t.Errorf("expecting ErrTokenNotObtained, found %v", err)
	}
	if n := f.count(endpointSceneSearch); n != 0 {
		t.Errorf("no request must be sent without token: %d", n)
	}
}

func TestTokenRenewal(t *testing.T) {
	f := &fakeM2M{data: map[string]string{endpointSceneSearch: `{"results":[],"totalHits":0,"recordsReturned":0}`}}
	srv := httptest.NewServer(f)
	defer srv.Close()
	f.loginData = `"api-token"`

	opts := DefaultOptions()
	opts.URL = srv.URL
	opts.Username, opts.Token = "user", "secret"
	opts.TokenLifetime = time.Millisecond
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.SearchScenes(context.Background(), "landsat_ot_c2_l1", area.GeoJSON, day, day); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.loginCount(); n != 3 {
		t.Errorf("expired tokens must be renewed: expecting 3 logins, found %d", n)
	}
}
