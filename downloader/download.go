package downloader

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/cavaliercoder/grab"
)

// downloadOutcome is the result of one download attempt
type downloadOutcome struct {
	// Filename given by the server
	Filename string
	// Key of the archive in the object store
	Key string
	// Local path of the archive, empty if FoundExisting
	Path string
	// FoundExisting is true if the archive was already in the object store with the same size
	FoundExisting bool
}

// errFoundExisting stops the transfer before any byte is written
var errFoundExisting = errors.New("archive found in the object store")

func newGrabClient(headerTimeout time.Duration) *grab.Client {
	client := grab.NewClient()
	client.UserAgent = "landsat-ingester"
	// The transfer itself is not bounded: archives are several gigabytes
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: headerTimeout,
			TLSHandshakeTimeout:   headerTimeout,
		},
	}
	return client
}

// contentDispositionFilename returns the filename of the Content-Disposition header
func contentDispositionFilename(resp *http.Response) (string, bool) {
	if resp == nil {
		return "", false
	}
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	filename := filepath.Base(params["filename"])
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return "", false
	}
	return filename, true
}

// downloadOnce streams the archive of the scene to workdir.
// Unless force is true, nothing is written if the archive already exists in the store with the declared size.
// A truncated transfer returns ErrSizeMismatch.
func (t *Task) downloadOnce(ctx context.Context, workdir string, force bool) (downloadOutcome, error) {
	var outcome downloadOutcome
	req, err := grab.NewRequest(workdir, t.Scene.URL)
	if err != nil {
		return outcome, fmt.Errorf("downloadOnce.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)
	req.NoResume = true

	var declared int64
	var hookErr error
	copying := false
	req.BeforeCopy = func(resp *grab.Response) error {
		hookErr = t.beforeCopy(ctx, resp, force, &outcome)
		if hookErr == nil {
			declared = resp.HTTPResponse.ContentLength
			copying = true
		}
		return hookErr
	}

	resp := t.client.Do(req)
	displayProgress(ctx, t.Scene.DisplayID, resp, 0.05)
	err = resp.Err()

	if !copying {
		if resp.Filename != "" {
			os.Remove(resp.Filename)
		}
		switch {
		case errors.Is(hookErr, errFoundExisting):
			outcome.FoundExisting = true
			return outcome, nil
		case hookErr != nil:
			return outcome, fmt.Errorf("downloadOnce.%w", hookErr)
		case errors.Is(err, grab.ErrNoFilename):
			return outcome, ErrURLMissingFilename{URL: t.Scene.URL}
		case err == nil:
			err = errors.New("empty response")
		}
		return outcome, classifyDownloadError(resp, fmt.Errorf("downloadOnce[%s]: %w", t.Scene.URL, err))
	}
	if err != nil && ctx.Err() != nil {
		os.Remove(resp.Filename)
		return outcome, fmt.Errorf("downloadOnce[%s]: %w", t.Scene.URL, ctx.Err())
	}

	// grab may have named the file after the url
	outcome.Path = filepath.Join(workdir, outcome.Filename)
	if resp.Filename != outcome.Path {
		if rerr := os.Rename(resp.Filename, outcome.Path); rerr != nil && err == nil {
			os.Remove(resp.Filename)
			return outcome, fmt.Errorf("downloadOnce.Rename: %w", rerr)
		}
	}
	actual, serr := service.FileSize(outcome.Path)
	if err != nil || serr != nil || (declared >= 0 && actual != declared) {
		os.Remove(outcome.Path)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("transfer of %s interrupted: %v", outcome.Filename, err)
		}
		return outcome, ErrSizeMismatch{File: outcome.Filename, Expected: declared, Actual: actual}
	}
	return outcome, nil
}

// beforeCopy reads the filename of the archive and checks whether it is already stored
func (t *Task) beforeCopy(ctx context.Context, resp *grab.Response, force bool, outcome *downloadOutcome) error {
	filename, ok := contentDispositionFilename(resp.HTTPResponse)
	if !ok {
		return ErrURLMissingFilename{URL: t.Scene.URL}
	}
	outcome.Filename = filename
	outcome.Key = common.StorageKey(t.Scene.Dataset, filename)
	if force {
		return nil
	}
	expected := resp.HTTPResponse.ContentLength
	if expected < 0 {
		expected = service.AnySize
	}
	exists, err := t.store.Exists(ctx, outcome.Key, expected)
	if err != nil {
		return fmt.Errorf("Exists(%s): %w", outcome.Key, err)
	}
	if exists {
		return errFoundExisting
	}
	return nil
}

// download runs downloadOnce, redoing the transfer on size mismatch at most MaxDownloadAttempts times
func (t *Task) download(ctx context.Context, workdir string, force bool) (downloadOutcome, error) {
	attempts := t.opts.MaxDownloadAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var outcome downloadOutcome
		outcome, err = t.downloadOnce(ctx, workdir, force)
		var errSize ErrSizeMismatch
		if !errors.As(err, &errSize) {
			return outcome, err
		}
		log.Logger(ctx).Sugar().Warnf("%v: redownloading (attempt %d/%d)", err, attempt, attempts)
	}
	return downloadOutcome{}, fmt.Errorf("download: %w", err)
}

// classifyDownloadError marks the error as temporary if the server may succeed later
func classifyDownloadError(resp *grab.Response, err error) error {
	if resp.HTTPResponse == nil {
		return service.MakeTemporary(err)
	}
	switch resp.HTTPResponse.StatusCode {
	case 408, 429, 500, 501, 502, 503, 504:
		return service.MakeTemporary(err)
	}
	return err
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

// displayProgress logs the progress of the download every progressPeriod, until the end of the transfer
func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}
