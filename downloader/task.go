package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/interface/stac"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/airbusgeo/landsat-ingester/thumbnail"
	"github.com/cavaliercoder/grab"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Catalog publishes the items. Register creates or updates the item and returns its feature id.
type Catalog interface {
	Register(ctx context.Context, item *stac.Item, collection string) (string, error)
}

// Options of the tasks
type Options struct {
	// Workdir is the parent of the task workspaces
	Workdir string
	// DownloadHost is the base url of the asset hrefs (relay)
	DownloadHost string
	// MaxDownloadAttempts bounds the redo loop on size mismatch
	MaxDownloadAttempts int
	// HeaderTimeout bounds the wait for the response headers of the archive download
	HeaderTimeout time.Duration
	// Reregister registers the scenes already marked as registered
	Reregister bool
}

// DefaultOptions returns the default options
func DefaultOptions() Options {
	return Options{
		Workdir:             os.TempDir(),
		MaxDownloadAttempts: 3,
		HeaderTimeout:       service.DefaultRequestTimeout,
	}
}

// Result of a task
type Result struct {
	Scene     common.Scene
	State     common.State
	FeatureID string
	// Err is the terminal error, State is StateFailed
	Err error
}

// sceneState is the accumulator of the task, filled by the successive steps
type sceneState struct {
	state     common.State
	workdir   string
	forced    bool
	fromStore bool

	archiveKey  string
	archivePath string

	mtlPath  string
	angPath  string
	stacPath string
	// angStored is true if the angle coefficients of a previous ingestion are stored
	angStored bool

	item *stac.Item

	thumbnailPath string
	featureID     string
}

// Task ingests one scene. A task is run once.
type Task struct {
	Scene    common.Scene
	store    service.ObjectStore
	catalog  Catalog
	composer *thumbnail.Composer
	client   *grab.Client
	opts     Options
	// onState is called on each transition
	onState func(common.State)
}

// NewTask creates the task of the scene. Store, catalog and composer are shared by all the tasks.
func NewTask(scene common.Scene, store service.ObjectStore, catalog Catalog, composer *thumbnail.Composer, opts Options) *Task {
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = service.DefaultRequestTimeout
	}
	return &Task{
		Scene:    scene,
		store:    store,
		catalog:  catalog,
		composer: composer,
		client:   newGrabClient(opts.HeaderTimeout),
		opts:     opts,
	}
}

// OnStateChange registers a function called on each state transition
func (t *Task) OnStateChange(f func(common.State)) {
	t.onState = f
}

func (t *Task) transition(ctx context.Context, st *sceneState, state common.State) {
	st.state = state
	log.Logger(ctx).Debug("state", zap.Stringer("state", state))
	if t.onState != nil {
		t.onState(state)
	}
}

// Run runs the task to its terminal state. The error, if any, is returned in the result.
func (t *Task) Run(ctx context.Context) Result {
	ctx = log.With(ctx, "scene", t.Scene.DisplayID)
	st := &sceneState{state: common.StateStart}
	res := Result{Scene: t.Scene}

	// Working dir
	st.workdir = filepath.Join(t.opts.Workdir, uuid.New().String())
	if err := os.MkdirAll(st.workdir, 0766); err != nil {
		res.Err = service.MakeTemporary(fmt.Errorf("make directory %s: %w", st.workdir, err))
	} else {
		defer os.RemoveAll(st.workdir)
		res.Err = t.run(ctx, st)
	}

	if res.Err != nil {
		log.Logger(ctx).Error("ingestion failed", zap.Stringer("state", st.state), zap.Error(res.Err))
		t.transition(ctx, st, common.StateFailed)
	} else {
		t.transition(ctx, st, common.StateDone)
		log.Logger(ctx).Sugar().Infof("%s ingested (featureId: %s)", t.Scene.DisplayID, st.featureID)
	}
	res.State = st.state
	res.FeatureID = st.featureID
	return res
}

func (t *Task) run(ctx context.Context, st *sceneState) error {
	for {
		t.transition(ctx, st, common.StateDownloading)
		outcome, err := t.download(ctx, st.workdir, st.forced)
		if err != nil {
			return fmt.Errorf("Run.%w", err)
		}
		st.archiveKey = outcome.Key

		if !outcome.FoundExisting {
			st.archivePath = outcome.Path
			if err := t.store.Upload(ctx, st.archivePath, st.archiveKey); err != nil {
				return fmt.Errorf("Run.Upload(%s): %w", st.archiveKey, err)
			}
			log.Logger(ctx).Sugar().Infof("%s uploaded", st.archiveKey)
			t.transition(ctx, st, common.StateUploaded)
			if err := t.extractMetadata(ctx, st); err != nil {
				return fmt.Errorf("Run.%w", err)
			}
			break
		}

		log.Logger(ctx).Sugar().Infof("%s found in the object store", st.archiveKey)
		t.transition(ctx, st, common.StateFoundExisting)
		err = t.recoverFromStore(ctx, st)
		if err == nil && st.featureID == "" {
			err = t.buildItem(ctx, st)
		}
		if err == nil {
			break
		}
		if !incompleteIngestion(err) {
			return fmt.Errorf("Run.%w", err)
		}
		if st.forced {
			return service.MakeFatal(fmt.Errorf("Run: %w (after a forced redownload)", err))
		}
		log.Logger(ctx).Sugar().Warnf("%v: the previous ingestion is incomplete, redownloading the archive", err)
		st.forced = true
		st.fromStore, st.angStored = false, false
		st.mtlPath, st.stacPath, st.item = "", "", nil
	}

	if st.featureID != "" {
		// Already registered
		return nil
	}

	if st.item == nil {
		if err := t.buildItem(ctx, st); err != nil {
			return fmt.Errorf("Run.%w", err)
		}
	}
	t.addAssets(st)
	t.transition(ctx, st, common.StateMetadataExtracted)

	if err := t.makeThumbnail(ctx, st); err != nil {
		return fmt.Errorf("Run.%w", err)
	}
	t.transition(ctx, st, common.StateThumbnailReady)

	if err := t.register(ctx, st); err != nil {
		return fmt.Errorf("Run.%w", err)
	}
	t.transition(ctx, st, common.StateRegistered)
	return nil
}

// incompleteIngestion returns true if the stored artifacts of a previous ingestion cannot be reused
func incompleteIngestion(err error) bool {
	var errItem ErrCannotCreateCatalogItem
	return service.IsKeyNotFound(err) || errors.As(err, &errItem)
}

// recoverFromStore downloads the MTL file and the pre-generated item (if any) of a scene whose archive is already stored.
// If the registration marker exists, the featureId is set and the scene is not processed again.
func (t *Task) recoverFromStore(ctx context.Context, st *sceneState) error {
	id, dataset := t.Scene.DisplayID, t.Scene.Dataset
	mtlPath := filepath.Join(st.workdir, common.MTLFileName(id))
	if err := t.store.Download(ctx, common.StorageKey(dataset, common.MTLFileName(id)), mtlPath); err != nil {
		return fmt.Errorf("recoverFromStore.%w", err)
	}
	st.mtlPath = mtlPath
	st.fromStore = true

	stacPath := filepath.Join(st.workdir, common.STACFileName(id))
	err := t.store.Download(ctx, common.StorageKey(dataset, common.STACFileName(id)), stacPath)
	switch {
	case err == nil:
		st.stacPath = stacPath
	case !service.IsKeyNotFound(err):
		return fmt.Errorf("recoverFromStore.%w", err)
	}
	if st.angStored, err = t.store.Exists(ctx, common.StorageKey(dataset, common.ANGFileName(id)), service.AnySize); err != nil {
		return fmt.Errorf("recoverFromStore.Exists: %w", err)
	}

	if t.opts.Reregister {
		return nil
	}
	markerPath := filepath.Join(st.workdir, common.FeatureIDFileName(id))
	err = t.store.Download(ctx, common.StorageKey(dataset, common.FeatureIDFileName(id)), markerPath)
	if service.IsKeyNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recoverFromStore.%w", err)
	}
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return fmt.Errorf("recoverFromStore.ReadFile: %w", err)
	}
	var reg common.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		log.Logger(ctx).Sugar().Warnf("invalid registration marker of %s: %v", id, err)
		return nil
	}
	if reg.FeatureID != "" {
		log.Logger(ctx).Sugar().Infof("%s already registered (featureId: %s)", id, reg.FeatureID)
		st.featureID = reg.FeatureID
	}
	return nil
}

// makeThumbnail derives the thumbnail, unless it is already stored
func (t *Task) makeThumbnail(ctx context.Context, st *sceneState) error {
	id, dataset := t.Scene.DisplayID, t.Scene.Dataset
	thumbKey := common.StorageKey(dataset, common.ThumbnailFileName(id))
	exists, err := t.store.Exists(ctx, thumbKey, service.AnySize)
	if err != nil {
		return fmt.Errorf("makeThumbnail.Exists: %w", err)
	}
	if exists {
		log.Logger(ctx).Sugar().Debugf("%s already exists", thumbKey)
		return nil
	}

	bands, err := thumbnail.SelectBands(dataset, st.item.Properties.Platform)
	if err != nil {
		return fmt.Errorf("makeThumbnail.%w", err)
	}

	if st.archivePath == "" {
		st.archivePath = filepath.Join(st.workdir, filepath.Base(st.archiveKey))
		if err := t.store.Download(ctx, st.archiveKey, st.archivePath); err != nil {
			return fmt.Errorf("makeThumbnail.%w", err)
		}
	}
	extracted, err := extractMembers(ctx, st.archivePath, st.workdir, bands.IsBandOf, 3)
	if err != nil {
		return fmt.Errorf("makeThumbnail.%w", err)
	}
	members := make([]string, 0, len(extracted))
	for name := range extracted {
		members = append(members, name)
	}
	files, err := bands.Match(members)
	if err != nil {
		return fmt.Errorf("makeThumbnail.%w", err)
	}

	out := filepath.Join(st.workdir, common.ThumbnailFileName(id))
	if err := t.composer.Compose(ctx, extracted[files[0]], extracted[files[1]], extracted[files[2]], out); err != nil {
		return fmt.Errorf("makeThumbnail.%w", err)
	}
	st.thumbnailPath = out
	return nil
}

// register uploads the derived artifacts, registers the item and writes the registration marker
func (t *Task) register(ctx context.Context, st *sceneState) error {
	id, dataset := t.Scene.DisplayID, t.Scene.Dataset
	if st.thumbnailPath != "" {
		if err := t.upload(ctx, st.thumbnailPath); err != nil {
			return fmt.Errorf("register.%w", err)
		}
	}
	if !st.fromStore {
		// The pre-generated item is stored beside the MTL, both are needed to rebuild the item from the store
		for _, f := range []string{st.angPath, st.stacPath, st.mtlPath} {
			if f == "" {
				continue
			}
			if err := t.upload(ctx, f); err != nil {
				return fmt.Errorf("register.%w", err)
			}
		}
	}

	featureID, err := t.catalog.Register(ctx, st.item, dataset)
	if err != nil {
		return fmt.Errorf("register.%w", err)
	}
	st.featureID = featureID
	log.Logger(ctx).Sugar().Infof("%s registered in %s (featureId: %s)", st.item.ID, dataset, featureID)

	if err := service.ToJSON(st.item, st.workdir, common.FeatureFileName(id)); err != nil {
		return fmt.Errorf("register.%w", err)
	}
	reg := common.Registration{DisplayID: id, Dataset: dataset, FeatureID: featureID}
	if err := service.ToJSON(reg, st.workdir, common.FeatureIDFileName(id)); err != nil {
		return fmt.Errorf("register.%w", err)
	}
	featurePath := filepath.Join(st.workdir, common.FeatureFileName(id))
	markerPath := filepath.Join(st.workdir, common.FeatureIDFileName(id))
	// The marker is uploaded last
	for _, f := range []string{featurePath, markerPath} {
		if err := t.upload(ctx, f); err != nil {
			return fmt.Errorf("register.%w", err)
		}
	}
	return nil
}

func (t *Task) upload(ctx context.Context, localFile string) error {
	key := common.StorageKey(t.Scene.Dataset, filepath.Base(localFile))
	if err := t.store.Upload(ctx, localFile, key); err != nil {
		return fmt.Errorf("Upload(%s): %w", key, err)
	}
	log.Logger(ctx).Sugar().Debugf("%s uploaded", key)
	return nil
}
