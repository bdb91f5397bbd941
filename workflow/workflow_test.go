package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/downloader/downloadertest"
	"github.com/airbusgeo/landsat-ingester/interface/checkpoint"
	"github.com/airbusgeo/landsat-ingester/interface/storage/local"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/thumbnail"
	"github.com/airbusgeo/landsat-ingester/workflow"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

var _ = Describe("Days", func() {
	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

	It("should return the days after the checkpoint up to yesterday", func() {
		Expect(workflow.Days(now, date(2024, 3, 7), workflow.DefaultWindow)).To(Equal([]time.Time{date(2024, 3, 8), date(2024, 3, 9)}))
	})

	It("should be empty when up to date", func() {
		Expect(workflow.Days(now, date(2024, 3, 9), workflow.DefaultWindow)).To(BeEmpty())
		Expect(workflow.Days(now, date(2024, 3, 10), workflow.DefaultWindow)).To(BeEmpty())
	})

	It("should not look back further than the window", func() {
		for _, last := range []time.Time{{}, date(2023, 12, 25)} {
			days := workflow.Days(now, last, workflow.DefaultWindow)
			Expect(days).To(HaveLen(28))
			Expect(days[0]).To(Equal(date(2024, 2, 11)))
			Expect(days[27]).To(Equal(date(2024, 3, 9)))
		}
	})

	It("should start the day after the checkpoint inside the window", func() {
		days := workflow.Days(now, date(2024, 2, 11), workflow.DefaultWindow)
		Expect(days).To(HaveLen(27))
		Expect(days[0]).To(Equal(date(2024, 2, 12)))
		days = workflow.Days(now, date(2024, 2, 10), workflow.DefaultWindow)
		Expect(days).To(HaveLen(28))
		Expect(days[0]).To(Equal(date(2024, 2, 11)))
	})

	It("should use UTC days", func() {
		paris := time.FixedZone("CET", 3600)
		days := workflow.Days(time.Date(2024, 3, 10, 0, 30, 0, 0, paris), time.Date(2024, 3, 8, 0, 30, 0, 0, paris), workflow.DefaultWindow)
		Expect(days).To(Equal([]time.Time{date(2024, 3, 8)}))
	})
})

var _ = Describe("Workflow", func() {
	var (
		ctx         = context.Background()
		day         = date(2024, 1, 1)
		tmp         string
		storeDir    string
		store       service.ObjectStore
		catalog     *downloadertest.Catalog
		server      *downloadertest.Server
		source      *MokeSource
		checkpoints *checkpoint.ObjectStoreCheckpoint
		opts        workflow.Options
		aoi         = service.Area{Name: "berlin", GeoJSON: json.RawMessage(`{"type":"Point","coordinates":[13.4,52.5]}`)}
	)

	newScene := func(i int, dataset string) common.Scene {
		displayID := fmt.Sprintf("LC09_L1TP_%06d_20240101_20240102_02_T1", 191000+i)
		entityID := fmt.Sprintf("LC9%06d2024001LGN00", 191000+i)
		data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{})
		Expect(err).NotTo(HaveOccurred())
		return common.Scene{
			EntityID:         entityID,
			DisplayID:        displayID,
			Dataset:          dataset,
			URL:              server.Add(entityID, displayID+".tar", data),
			AcquisitionStart: day,
			AcquisitionEnd:   day,
			AOI:              aoi.Name,
		}
	}
	newWorkflow := func() *workflow.Workflow {
		wf := workflow.NewWorkflow(source, store, catalog, checkpoints, opts)
		wf.Now = func() time.Time { return day.AddDate(0, 0, 1).Add(9 * time.Hour) }
		return wf
	}
	lastDay := func() (time.Time, error) {
		return checkpoints.LastDay(ctx)
	}
	snapshot := func() map[string]string {
		files := map[string]string{}
		Expect(filepath.WalkDir(storeDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			b, err := os.ReadFile(p)
			files[p] = string(b)
			return err
		})).To(Succeed())
		return files
	}

	BeforeEach(func() {
		var err error
		tmp, err = os.MkdirTemp("", "workflow")
		Expect(err).NotTo(HaveOccurred())
		storeDir = filepath.Join(tmp, "store")
		store, err = local.New(storeDir)
		Expect(err).NotTo(HaveOccurred())
		workdir := filepath.Join(tmp, "workdir")
		Expect(os.MkdirAll(workdir, 0755)).To(Succeed())

		catalog = downloadertest.NewCatalog()
		server = downloadertest.NewServer()
		source = NewMokeSource()
		checkpoints = checkpoint.NewObjectStoreCheckpoint(store, workdir)

		opts = workflow.DefaultOptions()
		opts.Areas = []service.Area{aoi}
		opts.Label = "test_{DATASET}_{AOI}_{DATE}"
		opts.Task.Workdir = workdir
		opts.Task.DownloadHost = "https://relay.example.com/landsat"
	})

	AfterEach(func() {
		server.Close()
		os.RemoveAll(tmp)
	})

	Context("with a scene offered twice", func() {
		It("should ingest it once", func() {
			scene := newScene(1, common.DatasetOTL1)
			other := newScene(2, common.DatasetOTL1)
			source.Add(common.DatasetOTL1, aoi.Name, day, scene, other, scene)
			report, err := newWorkflow().RunDay(ctx, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Scenes[common.StateDone]).To(Equal(2))
			Expect(server.Gets(scene.EntityID)).To(Equal(1))
			creates, updates := catalog.Counts()
			Expect(creates).To(Equal(2))
			Expect(updates).To(Equal(0))
		})
	})

	Context("with one new scene and one registered scene", func() {
		var registered, fresh common.Scene

		BeforeEach(func() {
			registered = newScene(1, common.DatasetOTL1)
			fresh = newScene(2, common.DatasetOTL1)
			// First ingestion of the registered scene
			source.Add(common.DatasetOTL1, aoi.Name, day, registered)
			_, err := newWorkflow().RunDay(ctx, day)
			Expect(err).NotTo(HaveOccurred())
			source.Add(common.DatasetOTL1, aoi.Name, day, fresh)
		})

		It("should only ingest the new scene and advance the checkpoint", func() {
			wf := workflow.NewWorkflow(source, store, catalog, checkpoints, opts)
			wf.Now = func() time.Time { return day.AddDate(0, 0, 1).Add(9 * time.Hour) }
			var thumbnails []string
			var mu sync.Mutex
			wf.OnStateChange = func(scene common.Scene, state common.State) {
				mu.Lock()
				defer mu.Unlock()
				if state == common.StateThumbnailReady {
					thumbnails = append(thumbnails, scene.DisplayID)
				}
			}
			report, err := wf.RunDay(ctx, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Scenes[common.StateDone]).To(Equal(2))
			Expect(report.Failed).To(BeEmpty())
			Expect(thumbnails).To(Equal([]string{fresh.DisplayID}))

			// The registered scene is only checked
			Expect(server.Gets(fresh.EntityID)).To(Equal(1))
			Expect(server.Gets(registered.EntityID)).To(Equal(2))
			creates, updates := catalog.Counts()
			Expect(creates).To(Equal(2))
			Expect(updates).To(Equal(0))

			last, err := lastDay()
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(Equal(day))
			Expect(source.Labels()).To(ContainElement("test_landsat_ot_c2_l1_berlin_20240101"))
			Expect(source.Releases()).To(HaveLen(2))
		})

		It("should be idempotent", func() {
			_, err := newWorkflow().RunDay(ctx, day)
			Expect(err).NotTo(HaveOccurred())
			before := snapshot()
			fresh2, _ := catalog.Item(common.DatasetOTL1, downloadertest.ItemID(fresh.DisplayID))

			report, err := newWorkflow().RunDay(ctx, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Scenes[common.StateDone]).To(Equal(2))
			Expect(snapshot()).To(Equal(before))
			after, _ := catalog.Item(common.DatasetOTL1, downloadertest.ItemID(fresh.DisplayID))
			Expect(after).To(BeIdenticalTo(fresh2))
			creates, updates := catalog.Counts()
			Expect(creates).To(Equal(2))
			Expect(updates).To(Equal(0))
		})
	})

	Context("with many scenes", func() {
		It("should bound the number of concurrent tasks", func() {
			server.Delay = 50 * time.Millisecond
			Expect(checkpoints.SetLastDay(ctx, day.AddDate(0, 0, -1))).To(Succeed())
			for i := 0; i < 25; i++ {
				source.Add(common.DatasetOTL1, aoi.Name, day, newScene(i, common.DatasetOTL1))
			}
			wf := newWorkflow()
			var mu sync.Mutex
			downloading, maxDownloading := 0, 0
			wf.OnStateChange = func(scene common.Scene, state common.State) {
				mu.Lock()
				defer mu.Unlock()
				switch state {
				case common.StateDownloading:
					downloading++
					if downloading > maxDownloading {
						maxDownloading = downloading
					}
				case common.StateUploaded, common.StateFoundExisting, common.StateFailed:
					downloading--
				}
			}
			report, err := wf.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Scenes[common.StateDone]).To(Equal(25))
			Expect(report.Days).To(Equal([]time.Time{day}))
			Expect(maxDownloading).To(BeNumerically("<=", 10))
			Expect(maxDownloading).To(BeNumerically(">", 1))
			Expect(server.MaxInFlight()).To(BeNumerically("<=", 10))
			creates, _ := catalog.Counts()
			Expect(creates).To(Equal(25))
		})
	})

	Context("with a failing scene", func() {
		BeforeEach(func() {
			Expect(checkpoints.SetLastDay(ctx, day.AddDate(0, 0, -1))).To(Succeed())
		})

		It("should let the siblings finish and keep the checkpoint", func() {
			good := newScene(1, common.DatasetOTL1)
			bad := newScene(2, "landsat_unknown_c2_l1")
			source.Add(common.DatasetOTL1, aoi.Name, day, good, bad)
			wf := newWorkflow()
			wf.Now = func() time.Time { return day.AddDate(0, 0, 2).Add(9 * time.Hour) }

			report, err := wf.Run(ctx)
			Expect(err).To(HaveOccurred())
			var errTask workflow.ErrTaskFailed
			Expect(errors.As(err, &errTask)).To(BeTrue())
			Expect(errTask.Scene.DisplayID).To(Equal(bad.DisplayID))
			var errDataset thumbnail.ErrUnexpectedDataset
			Expect(errors.As(err, &errDataset)).To(BeTrue())

			Expect(report.Scenes[common.StateDone]).To(Equal(1))
			Expect(report.Scenes[common.StateFailed]).To(Equal(1))
			Expect(report.Days).To(BeEmpty())
			_, ok := catalog.Item(common.DatasetOTL1, downloadertest.ItemID(good.DisplayID))
			Expect(ok).To(BeTrue())

			// The next day is not processed
			Expect(source.Discovers()).To(Equal([]string{common.DatasetOTL1 + "/berlin/2024-01-01"}))
			Expect(source.Releases()).To(HaveLen(1))
			last, err := lastDay()
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(Equal(day.AddDate(0, 0, -1)))
		})

		It("should stop when the scenes cannot be discovered", func() {
			source.Fail(common.DatasetOTL1, aoi.Name, day, service.ErrRequestTimedOut{URL: "scene-search", Retries: 5})
			report, err := newWorkflow().Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(service.Temporary(err)).To(BeTrue())
			Expect(report.Days).To(BeEmpty())
			Expect(source.Releases()).To(HaveLen(1))
			last, err := lastDay()
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(Equal(day.AddDate(0, 0, -1)))
		})
	})

	Context("with several days", func() {
		It("should advance the checkpoint day after day", func() {
			Expect(checkpoints.SetLastDay(ctx, day.AddDate(0, 0, -3))).To(Succeed())
			source.Add(common.DatasetOTL1, aoi.Name, day.AddDate(0, 0, -1), newScene(1, common.DatasetOTL1))
			report, err := newWorkflow().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Days).To(Equal([]time.Time{day.AddDate(0, 0, -2), day.AddDate(0, 0, -1), day}))
			Expect(report.Scenes[common.StateDone]).To(Equal(1))
			last, err := lastDay()
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(Equal(day))
		})

		It("should start from the window without checkpoint", func() {
			report, err := newWorkflow().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Days).To(HaveLen(28))
			_, err = lastDay()
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
