package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/downloader"
	"github.com/airbusgeo/landsat-ingester/interface/checkpoint"
	"github.com/airbusgeo/landsat-ingester/interface/m2m"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/airbusgeo/landsat-ingester/thumbnail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWindow is the maximum number of days looked back
const DefaultWindow = 4 * 7 * 24 * time.Hour

// SceneSource discovers the scenes to ingest (m2m.Client)
type SceneSource interface {
	// Discover returns the scenes of the dataset acquired during the day over the area, registered in the list label
	Discover(ctx context.Context, dataset string, aoi service.Area, day time.Time, label string) ([]common.Scene, error)
	// ReleaseList removes the list label
	ReleaseList(ctx context.Context, label string) error
}

// Options of the workflow
type Options struct {
	Datasets []string
	Areas    []service.Area
	// Workers is the maximum number of concurrent tasks
	Workers int
	// Window bounds the days processed after a long downtime
	Window time.Duration
	// Label of the scene lists. It may contain {DATASET}, {AOI} and {DATE}
	Label string
	Task  downloader.Options
}

// DefaultOptions returns the default options
func DefaultOptions() Options {
	return Options{
		Datasets: []string{common.DatasetOTL1},
		Workers:  10,
		Window:   DefaultWindow,
		Label:    m2m.DefaultLabel,
		Task:     downloader.DefaultOptions(),
	}
}

// ErrTaskFailed is returned when a scene cannot be ingested
type ErrTaskFailed struct {
	Scene common.Scene
	Err   error
}

func (e ErrTaskFailed) Error() string {
	return fmt.Sprintf("ingestion of %s failed: %v", e.Scene.Key(), e.Err)
}

func (e ErrTaskFailed) Unwrap() error { return e.Err }

// Report summarizes a run
type Report struct {
	// Days fully processed
	Days []time.Time
	// Number of scenes per final state
	Scenes map[common.State]int
	// Results of the failed tasks
	Failed []downloader.Result
}

func newReport() *Report {
	return &Report{Scenes: map[common.State]int{}}
}

func (r *Report) add(res downloader.Result) {
	r.Scenes[res.State]++
	if res.Err != nil {
		r.Failed = append(r.Failed, res)
	}
}

// Fields returns the report as log fields
func (r *Report) Fields() []zap.Field {
	var days []string
	for _, d := range r.Days {
		days = append(days, d.Format("2006-01-02"))
	}
	scenes := map[string]int{}
	for s, n := range r.Scenes {
		scenes[s.String()] = n
	}
	return []zap.Field{zap.Strings("days", days), zap.Any("scenes", scenes), zap.Int("failed", len(r.Failed))}
}

// Workflow ingests the scenes day after day
type Workflow struct {
	source      SceneSource
	store       service.ObjectStore
	catalog     downloader.Catalog
	checkpoints checkpoint.Store
	composer    *thumbnail.Composer
	opts        Options

	// Now returns the current time
	Now func() time.Time
	// OnStateChange is called on each state transition of the tasks (concurrently)
	OnStateChange func(scene common.Scene, state common.State)
}

// NewWorkflow creates a workflow. The clients are shared by all the tasks.
func NewWorkflow(source SceneSource, store service.ObjectStore, catalog downloader.Catalog, checkpoints checkpoint.Store, opts Options) *Workflow {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Label == "" {
		opts.Label = m2m.DefaultLabel
	}
	return &Workflow{
		source:      source,
		store:       store,
		catalog:     catalog,
		checkpoints: checkpoints,
		composer:    thumbnail.NewComposer(),
		opts:        opts,
		Now:         time.Now,
	}
}

// Days returns the days to process, ascending, up to yesterday (UTC): the days after last,
// but not before today-window (a four-week window returns at most 28 days).
// A zero last means no checkpoint.
func Days(now, last time.Time, window time.Duration) []time.Time {
	today := checkpoint.Day(now)
	first := checkpoint.Day(today.Add(-window))
	if !last.IsZero() {
		if next := checkpoint.Day(last).AddDate(0, 0, 1); next.After(first) {
			first = next
		}
	}
	var days []time.Time
	for d := first; d.Before(today); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Run processes all the days since the checkpoint. It stops at the first failure, without advancing the checkpoint.
func (wf *Workflow) Run(ctx context.Context) (*Report, error) {
	report := newReport()
	last, err := wf.checkpoints.LastDay(ctx)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return report, fmt.Errorf("Run.%w", err)
		}
		last = time.Time{}
	}
	days := Days(wf.Now(), last, wf.opts.Window)
	if last.IsZero() && len(days) > 0 {
		log.Logger(ctx).Sugar().Infof("no checkpoint: processing the days since %s", days[0].Format("2006-01-02"))
	}
	if len(days) == 0 {
		log.Logger(ctx).Info("nothing to do, up to date")
	}
	for _, day := range days {
		if err := wf.runDay(ctx, day, report); err != nil {
			return report, fmt.Errorf("Run.%w", err)
		}
	}
	return report, nil
}

// RunDay processes every dataset and area of the day, then advances the checkpoint
func (wf *Workflow) RunDay(ctx context.Context, day time.Time) (*Report, error) {
	report := newReport()
	err := wf.runDay(ctx, checkpoint.Day(day), report)
	return report, err
}

func (wf *Workflow) runDay(ctx context.Context, day time.Time, report *Report) error {
	ctx = log.With(ctx, "day", day.Format("2006-01-02"))
	log.Logger(ctx).Info("processing day")
	for _, dataset := range wf.opts.Datasets {
		for _, aoi := range wf.opts.Areas {
			if err := wf.runBatch(ctx, dataset, aoi, day, report); err != nil {
				return fmt.Errorf("runDay[%s].%w", day.Format("2006-01-02"), err)
			}
		}
	}
	if err := wf.checkpoints.SetLastDay(ctx, day); err != nil {
		return fmt.Errorf("runDay.SetLastDay: %w", err)
	}
	report.Days = append(report.Days, day)
	log.Logger(ctx).Info("day processed")
	return nil
}

func (wf *Workflow) label(dataset string, aoi service.Area, day time.Time) string {
	return common.FormatBrackets(wf.opts.Label, map[string]string{
		"DATASET": dataset,
		"AOI":     aoi.Name,
		"DATE":    day.Format("20060102"),
	})
}

// runBatch ingests the scenes of the dataset acquired during the day over the area.
// All the tasks run to completion. The first failure is returned.
// uniqueScenes sorts the scenes by display id, keeping the first of the scenes sharing a display id:
// two tasks must never write the same keys concurrently
func uniqueScenes(ctx context.Context, scenes []common.Scene) []common.Scene {
	sort.SliceStable(scenes, func(i, j int) bool { return scenes[i].DisplayID < scenes[j].DisplayID })
	unique := scenes[:0]
	for _, s := range scenes {
		if len(unique) > 0 && unique[len(unique)-1].DisplayID == s.DisplayID {
			log.Logger(ctx).Sugar().Warnf("%s offered twice (%s, %s): ignoring %s", s.DisplayID, unique[len(unique)-1].URL, s.URL, s.URL)
			continue
		}
		unique = append(unique, s)
	}
	return unique
}

func (wf *Workflow) runBatch(ctx context.Context, dataset string, aoi service.Area, day time.Time, report *Report) error {
	ctx = log.With(ctx, "dataset", dataset)
	ctx = log.With(ctx, "aoi", aoi.Name)
	label := wf.label(dataset, aoi, day)
	defer wf.source.ReleaseList(ctx, label)

	scenes, err := wf.source.Discover(ctx, dataset, aoi, day, label)
	if err != nil {
		return fmt.Errorf("runBatch.%w", err)
	}
	scenes = uniqueScenes(ctx, scenes)
	log.Logger(ctx).Sugar().Infof("%d scene(s) to ingest", len(scenes))

	results := make([]downloader.Result, len(scenes))
	var g errgroup.Group
	g.SetLimit(wf.opts.Workers)
	for i, scene := range scenes {
		i, scene := i, scene
		task := downloader.NewTask(scene, wf.store, wf.catalog, wf.composer, wf.opts.Task)
		if wf.OnStateChange != nil {
			task.OnStateChange(func(s common.State) { wf.OnStateChange(scene, s) })
		}
		g.Go(func() error {
			results[i] = task.Run(ctx)
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for _, res := range results {
		report.add(res)
		if res.Err != nil && firstErr == nil {
			firstErr = ErrTaskFailed{Scene: res.Scene, Err: res.Err}
		}
	}
	return firstErr
}
