package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/google/uuid"
)

// ErrNoCheckpoint is returned by LastDay when no day has been recorded yet
var ErrNoCheckpoint = errors.New("no checkpoint")

const dayFormat = "2006-01-02"

// Store records the last fully processed day
type Store interface {
	// LastDay returns the last processed day. Raise ErrNoCheckpoint
	LastDay(ctx context.Context) (time.Time, error)
	// SetLastDay records the day, unless an older day is provided
	SetLastDay(ctx context.Context, day time.Time) error
}

type document struct {
	LastDownloadedDay string `json:"last_downloaded_day"`
}

// ObjectStoreCheckpoint persists the checkpoint as a json document in an ObjectStore
type ObjectStoreCheckpoint struct {
	store   service.ObjectStore
	key     string
	workdir string
	mu      sync.Mutex
}

// NewObjectStoreCheckpoint returns a checkpoint stored in common.CheckpointKey.
// workdir is used to transfer the document.
func NewObjectStoreCheckpoint(store service.ObjectStore, workdir string) *ObjectStoreCheckpoint {
	return &ObjectStoreCheckpoint{store: store, key: common.CheckpointKey, workdir: workdir}
}

func (c *ObjectStoreCheckpoint) tmpFile() string {
	return filepath.Join(c.workdir, uuid.New().String()+"_"+c.key)
}

// LastDay implements Store
func (c *ObjectStoreCheckpoint) LastDay(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDay(ctx)
}

func (c *ObjectStoreCheckpoint) lastDay(ctx context.Context) (time.Time, error) {
	f := c.tmpFile()
	defer os.Remove(f)
	if err := c.store.Download(ctx, c.key, f); err != nil {
		if service.IsKeyNotFound(err) {
			return time.Time{}, ErrNoCheckpoint
		}
		return time.Time{}, fmt.Errorf("LastDay.Download: %w", err)
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return time.Time{}, fmt.Errorf("LastDay.ReadFile: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return time.Time{}, fmt.Errorf("LastDay.Unmarshal: %w", err)
	}
	day, err := time.Parse(dayFormat, doc.LastDownloadedDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("LastDay.Parse: %w", err)
	}
	return day, nil
}

// SetLastDay implements Store
func (c *ObjectStoreCheckpoint) SetLastDay(ctx context.Context, day time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	day = Day(day)
	last, err := c.lastDay(ctx)
	switch {
	case err == nil && last.After(day):
		log.Logger(ctx).Sugar().Debugf("checkpoint %s is after %s: not updated", last.Format(dayFormat), day.Format(dayFormat))
		return nil
	case err != nil && !errors.Is(err, ErrNoCheckpoint):
		return fmt.Errorf("SetLastDay.%w", err)
	}

	b, err := json.Marshal(document{LastDownloadedDay: day.Format(dayFormat)})
	if err != nil {
		return fmt.Errorf("SetLastDay.Marshal: %w", err)
	}
	f := c.tmpFile()
	defer os.Remove(f)
	if err := os.WriteFile(f, b, 0644); err != nil {
		return fmt.Errorf("SetLastDay.WriteFile: %w", err)
	}
	if err := c.store.Upload(ctx, f, c.key); err != nil {
		return fmt.Errorf("SetLastDay.Upload: %w", err)
	}
	log.Logger(ctx).Sugar().Infof("checkpoint set to %s", day.Format(dayFormat))
	return nil
}

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
