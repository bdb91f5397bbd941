package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/interface/checkpoint"
	"github.com/airbusgeo/landsat-ingester/interface/m2m"
	"github.com/airbusgeo/landsat-ingester/interface/stac"
	"github.com/airbusgeo/landsat-ingester/interface/storage"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/airbusgeo/landsat-ingester/workflow"
	"github.com/araddon/dateparse"
	"go.uber.org/zap"
)

type config struct {
	WorkingDir string
	StorageURI string
	S3         storage.S3Options

	M2MURL      string
	M2MUsername string
	M2MToken    string

	StacURL      string
	StacUsername string
	StacPassword string

	Datasets     []string
	GeojsonDir   string
	DownloadHost string
	Label        string
	Workers      int
	Since        time.Time
	Reregister   bool
	LogLevel     string
}

func newAppConfig() (*config, error) {
	config := config{}
	// Global config
	flag.StringVar(&config.WorkingDir, "workdir", "/local-ssd", "working directory to store intermediate results")
	flag.StringVar(&config.StorageURI, "storage-uri", "", "storage uri (supported: s3://bucket, gs://bucket or a local directory). To store the artifacts of the scenes and the checkpoint.")
	flag.StringVar(&config.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Storage
	flag.StringVar(&config.S3.Endpoint, "s3-endpoint", "", "s3 endpoint (optional, for s3-compatible stores)")
	flag.StringVar(&config.S3.Region, "s3-region", "", "s3 region (optional)")
	flag.StringVar(&config.S3.AccessKey, "s3-access-key", "", "s3 access key (optional, default credential chain otherwise)")
	flag.StringVar(&config.S3.SecretKey, "s3-secret-key", "", "s3 secret key (or S3_SECRET_KEY env var)")

	// Source catalog
	flag.StringVar(&config.M2MURL, "m2m-url", m2m.DefaultURL, "url of the usgs m2m api")
	flag.StringVar(&config.M2MUsername, "m2m-username", "", "usgs account username")
	flag.StringVar(&config.M2MToken, "m2m-token", "", "usgs application token (or M2M_TOKEN env var)")

	// Search catalog
	flag.StringVar(&config.StacURL, "stac-url", "", "url of the stac catalog")
	flag.StringVar(&config.StacUsername, "stac-username", "", "stac catalog username")
	flag.StringVar(&config.StacPassword, "stac-password", "", "stac catalog password (or STAC_PASSWORD env var)")

	// Ingestion
	datasets := flag.String("datasets", common.DatasetOTL1, "comma-separated list of datasets to ingest")
	flag.StringVar(&config.GeojsonDir, "geojson-dir", "", "directory of the areas of interest (geojson or wkt files)")
	flag.StringVar(&config.DownloadHost, "download-host", "", "public url of the storage, prefix of the asset hrefs")
	flag.StringVar(&config.Label, "label", m2m.DefaultLabel, "label of the scene lists. It may contain {DATASET}, {AOI} and {DATE}")
	flag.IntVar(&config.Workers, "workers", 10, "maximum number of scenes ingested concurrently")
	since := flag.String("since", "", "ingest this day only, ignoring the checkpoint (optional, any date format)")
	flag.BoolVar(&config.Reregister, "reregister", false, "register again the scenes already ingested")

	flag.Parse()

	if config.WorkingDir == "" {
		return nil, fmt.Errorf("missing workdir config flag")
	}
	if config.StorageURI == "" {
		return nil, fmt.Errorf("missing storage-uri config flag")
	}
	if config.GeojsonDir == "" {
		return nil, fmt.Errorf("missing geojson-dir config flag")
	}
	if config.DownloadHost == "" {
		return nil, fmt.Errorf("missing download-host config flag")
	}
	envDefault(&config.M2MToken, "M2M_TOKEN")
	envDefault(&config.StacPassword, "STAC_PASSWORD")
	envDefault(&config.S3.SecretKey, "S3_SECRET_KEY")

	for _, d := range strings.Split(*datasets, ",") {
		if d = strings.TrimSpace(d); d != "" {
			if _, err := common.DatasetFullName(d); err != nil {
				return nil, fmt.Errorf("datasets: %w", err)
			}
			config.Datasets = append(config.Datasets, d)
		}
	}
	if len(config.Datasets) == 0 {
		return nil, fmt.Errorf("missing datasets config flag")
	}
	if *since != "" {
		t, err := dateparse.ParseIn(*since, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("since: %w", err)
		}
		config.Since = checkpoint.Day(t)
	}
	return &config, nil
}

func envDefault(v *string, key string) {
	if *v == "" {
		*v = os.Getenv(key)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err), zap.Bool("temporary", service.Temporary(err)), zap.Bool("fatal", service.Fatal(err)))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	log.SetLevel(level)

	store, err := storage.New(ctx, config.StorageURI, config.S3)
	if err != nil {
		return fmt.Errorf("storage %s: %w", config.StorageURI, err)
	}

	m2mOpts := m2m.DefaultOptions()
	m2mOpts.URL = config.M2MURL
	m2mOpts.Username = config.M2MUsername
	m2mOpts.Token = config.M2MToken
	source, err := m2m.New(m2mOpts)
	if err != nil {
		return fmt.Errorf("m2m.New: %w", err)
	}

	stacOpts := stac.DefaultOptions()
	stacOpts.URL = config.StacURL
	stacOpts.Username = config.StacUsername
	stacOpts.Password = config.StacPassword
	catalog, err := stac.New(stacOpts)
	if err != nil {
		return fmt.Errorf("stac.New: %w", err)
	}

	areas, err := service.LoadAreas(config.GeojsonDir)
	if err != nil {
		return err
	}
	if len(areas) == 0 {
		return fmt.Errorf("no area of interest found in %s", config.GeojsonDir)
	}

	if err := os.MkdirAll(config.WorkingDir, 0755); err != nil {
		return fmt.Errorf("workdir: %w", err)
	}

	opts := workflow.DefaultOptions()
	opts.Datasets = config.Datasets
	opts.Areas = areas
	opts.Workers = config.Workers
	opts.Label = config.Label
	opts.Task.Workdir = config.WorkingDir
	opts.Task.DownloadHost = config.DownloadHost
	opts.Task.Reregister = config.Reregister

	wf := workflow.NewWorkflow(source, store, catalog, checkpoint.NewObjectStoreCheckpoint(store, config.WorkingDir), opts)
	wf.OnStateChange = func(scene common.Scene, state common.State) {
		log.Logger(ctx).Debug("state changed", zap.String("scene", scene.DisplayID), zap.Stringer("state", state))
	}

	log.Logger(ctx).Sugar().Infof("ingesting %s over %d areas (storage: %s, workers: %d)",
		strings.Join(config.Datasets, ", "), len(areas), config.StorageURI, config.Workers)

	var report *workflow.Report
	if !config.Since.IsZero() {
		report, err = wf.RunDay(ctx, config.Since)
	} else {
		report, err = wf.Run(ctx)
	}
	if report != nil {
		log.Logger(ctx).Info("run finished", report.Fields()...)
	}
	return err
}
