package downloader_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/downloader"
	"github.com/airbusgeo/landsat-ingester/downloader/downloadertest"
	"github.com/airbusgeo/landsat-ingester/interface/storage/local"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/thumbnail"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const (
	displayID = "LC09_L1TP_191025_20240101_20240102_02_T1"
	entityID  = "LC91910252024001LGN00"
	filename  = displayID + ".tar"
	host      = "https://relay.example.com/landsat"
)

var _ = Describe("Task", func() {
	var (
		ctx      = context.Background()
		tmp      string
		workdir  string
		store    *countingStore
		catalog  *downloadertest.Catalog
		server   *downloadertest.Server
		composer *thumbnail.Composer
		scene    common.Scene
		archive  []byte
		opts     downloader.Options
	)

	newTask := func() *downloader.Task {
		return downloader.NewTask(scene, store, catalog, composer, opts)
	}
	key := func(name string) string {
		return common.StorageKey(scene.Dataset, name)
	}
	stored := func(name string) bool {
		exists, err := store.Exists(ctx, key(name), service.AnySize)
		Expect(err).NotTo(HaveOccurred())
		return exists
	}
	readStored := func(name string) []byte {
		data, err := os.ReadFile(filepath.Join(tmp, "store", filepath.FromSlash(key(name))))
		Expect(err).NotTo(HaveOccurred())
		return data
	}

	BeforeEach(func() {
		var err error
		tmp, err = os.MkdirTemp("", "downloader")
		Expect(err).NotTo(HaveOccurred())
		workdir = filepath.Join(tmp, "workdir")
		Expect(os.MkdirAll(workdir, 0755)).To(Succeed())
		localStore, err := local.New(filepath.Join(tmp, "store"))
		Expect(err).NotTo(HaveOccurred())
		store = newCountingStore(localStore)
		catalog = downloadertest.NewCatalog()
		server = downloadertest.NewServer()
		composer = thumbnail.NewComposer()
		composer.Size = 32

		archive, err = downloadertest.Archive(displayID, downloadertest.ArchiveOptions{})
		Expect(err).NotTo(HaveOccurred())
		scene = common.Scene{
			EntityID:  entityID,
			DisplayID: displayID,
			Dataset:   common.DatasetOTL1,
			URL:       server.Add(entityID, filename, archive),
		}
		opts = downloader.DefaultOptions()
		opts.Workdir = workdir
		opts.DownloadHost = host
	})

	AfterEach(func() {
		server.Close()
		os.RemoveAll(tmp)
	})

	expectCleanWorkdir := func() {
		entries, err := os.ReadDir(workdir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	}

	Context("with a new scene", func() {
		It("should download, derive and register the scene", func() {
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.State).To(Equal(common.StateDone))
			Expect(res.FeatureID).To(Equal("feature-1"))
			Expect(server.Gets(entityID)).To(Equal(1))

			Expect(readStored(filename)).To(Equal(archive))
			for _, name := range []string{
				common.MTLFileName(displayID),
				common.ThumbnailFileName(displayID),
				common.FeatureFileName(displayID),
				common.FeatureIDFileName(displayID),
				common.ANGFileName(displayID),
			} {
				Expect(stored(name)).To(BeTrue(), name)
			}
			Expect(stored(common.STACFileName(displayID))).To(BeFalse())

			var reg common.Registration
			Expect(json.Unmarshal(readStored(common.FeatureIDFileName(displayID)), &reg)).To(Succeed())
			Expect(reg).To(Equal(common.Registration{DisplayID: displayID, Dataset: common.DatasetOTL1, FeatureID: "feature-1"}))

			item, ok := catalog.Item(common.DatasetOTL1, downloadertest.ItemID(displayID))
			Expect(ok).To(BeTrue())
			Expect(item.Collection).To(Equal(common.DatasetOTL1))
			Expect(item.Properties.Platform).To(Equal("landsat-9"))
			Expect(item.Assets).To(HaveLen(4))
			Expect(item.Assets["ANG.txt"].Href).To(Equal(host + "/" + key(common.ANGFileName(displayID))))
			Expect(item.Assets["ANG.txt"].Roles).To(Equal([]string{"metadata"}))
			Expect(item.Assets["data"].Href).To(Equal(host + "/" + key(filename)))
			Expect(item.Assets["data"].Type).To(Equal("application/x-tar"))
			Expect(item.Assets["data"].Description).To(ContainSubstring("Landsat 8-9 OLI/TIRS C2 L1"))
			Expect(item.Assets["mtl.xml"].Href).To(Equal(host + "/" + key(common.MTLFileName(displayID))))
			Expect(item.Assets["mtl.xml"].Title).To(Equal("Metadata"))
			Expect(item.Assets["thumbnail"].Type).To(Equal("image/jpeg"))
			expectCleanWorkdir()
		})

		It("should report the state transitions", func() {
			var states []common.State
			task := newTask()
			task.OnStateChange(func(s common.State) { states = append(states, s) })
			Expect(task.Run(ctx).Err).NotTo(HaveOccurred())
			Expect(states).To(Equal([]common.State{
				common.StateDownloading,
				common.StateUploaded,
				common.StateMetadataExtracted,
				common.StateThumbnailReady,
				common.StateRegistered,
				common.StateDone,
			}))
		})
	})

	Context("with a scene already ingested", func() {
		BeforeEach(func() {
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
		})

		It("should skip the scene without any upload", func() {
			uploads := store.TotalUploads()
			before := readStored(common.FeatureFileName(displayID))
			var states []common.State
			task := newTask()
			task.OnStateChange(func(s common.State) { states = append(states, s) })
			res := task.Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.State).To(Equal(common.StateDone))
			Expect(res.FeatureID).To(Equal("feature-1"))
			Expect(states).To(ContainElement(common.StateFoundExisting))
			Expect(store.TotalUploads()).To(Equal(uploads))
			Expect(readStored(common.FeatureFileName(displayID))).To(Equal(before))
			creates, updates := catalog.Counts()
			Expect(creates).To(Equal(1))
			Expect(updates).To(Equal(0))
			expectCleanWorkdir()
		})

		It("should register the scene again with Reregister", func() {
			opts.Reregister = true
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.FeatureID).To(Equal("feature-1"))
			creates, updates := catalog.Counts()
			Expect(creates).To(Equal(1))
			Expect(updates).To(Equal(1))
			// Neither the archive nor the thumbnail is uploaded again
			Expect(store.Uploads(key(filename))).To(Equal(1))
			Expect(store.Uploads(key(common.ThumbnailFileName(displayID)))).To(Equal(1))
		})

		It("should derive a missing thumbnail from the stored archive", func() {
			Expect(store.Delete(ctx, key(common.ThumbnailFileName(displayID)))).To(Succeed())
			opts.Reregister = true
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(stored(common.ThumbnailFileName(displayID))).To(BeTrue())
			Expect(store.Uploads(key(filename))).To(Equal(1))
			Expect(store.Uploads(key(common.ThumbnailFileName(displayID)))).To(Equal(2))
		})

		It("should keep the angle coefficients asset when registering again", func() {
			opts.Reregister = true
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			item, ok := catalog.Item(common.DatasetOTL1, downloadertest.ItemID(displayID))
			Expect(ok).To(BeTrue())
			Expect(item.Assets).To(HaveKey("ANG.txt"))
			Expect(store.Uploads(key(common.ANGFileName(displayID)))).To(Equal(1))
		})

		It("should redownload the archive once if the metadata is missing", func() {
			Expect(store.Delete(ctx, key(common.MTLFileName(displayID)))).To(Succeed())
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(server.Gets(entityID)).To(Equal(3))
			Expect(store.Uploads(key(filename))).To(Equal(2))
			Expect(stored(common.MTLFileName(displayID))).To(BeTrue())
			_, updates := catalog.Counts()
			Expect(updates).To(Equal(1))
		})
	})

	Context("with an archive stored with another size", func() {
		It("should replace the stale archive", func() {
			Expect(downloadertest.Store(ctx, store, tmp, key(filename), []byte("stale"))).To(Succeed())
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(readStored(filename)).To(Equal(archive))
		})
	})

	Context("with a thumbnail already stored", func() {
		It("should not derive it again", func() {
			Expect(downloadertest.Store(ctx, store, tmp, key(common.ThumbnailFileName(displayID)), []byte("jpeg"))).To(Succeed())
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(readStored(common.ThumbnailFileName(displayID))).To(Equal([]byte("jpeg")))
			Expect(store.Uploads(key(common.ThumbnailFileName(displayID)))).To(Equal(1))
		})
	})

	Context("with a truncated transfer", func() {
		It("should redownload the archive", func() {
			server.Truncate(entityID, 1)
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			Expect(server.Gets(entityID)).To(Equal(2))
			Expect(readStored(filename)).To(Equal(archive))
		})

		It("should fail after MaxDownloadAttempts", func() {
			server.Truncate(entityID, 10)
			res := newTask().Run(ctx)
			Expect(res.State).To(Equal(common.StateFailed))
			var errSize downloader.ErrSizeMismatch
			Expect(errors.As(res.Err, &errSize)).To(BeTrue(), res.Err.Error())
			Expect(errSize.Expected).To(Equal(int64(len(archive))))
			Expect(errSize.Actual).To(BeNumerically("<", len(archive)))
			Expect(server.Gets(entityID)).To(Equal(3))
			Expect(stored(filename)).To(BeFalse())
			expectCleanWorkdir()
		})
	})

	Context("without Content-Disposition", func() {
		It("should fail with ErrURLMissingFilename", func() {
			server.DropFilename(true)
			res := newTask().Run(ctx)
			Expect(res.State).To(Equal(common.StateFailed))
			var errFilename downloader.ErrURLMissingFilename
			Expect(errors.As(res.Err, &errFilename)).To(BeTrue(), res.Err.Error())
			Expect(store.TotalUploads()).To(Equal(0))
			expectCleanWorkdir()
		})
	})

	Context("with an unknown scene", func() {
		It("should fail", func() {
			scene.URL = server.URL + "/download/unknown"
			res := newTask().Run(ctx)
			Expect(res.State).To(Equal(common.StateFailed))
			Expect(res.Err).To(HaveOccurred())
		})
	})

	Context("with an incomplete archive", func() {
		It("should fail without MTL", func() {
			data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{NoMTL: true})
			Expect(err).NotTo(HaveOccurred())
			scene.URL = server.Add(entityID, filename, data)
			res := newTask().Run(ctx)
			var errMeta downloader.ErrMissingMetadata
			Expect(errors.As(res.Err, &errMeta)).To(BeTrue(), res.Err.Error())
			Expect(errMeta.Member).To(Equal(common.MTLFileName(displayID)))
		})

		It("should use the pre-generated item if the MTL is invalid", func() {
			data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{InvalidMTL: true, PregeneratedItem: "pregenerated"})
			Expect(err).NotTo(HaveOccurred())
			scene.URL = server.Add(entityID, filename, data)
			res := newTask().Run(ctx)
			Expect(res.Err).NotTo(HaveOccurred())
			item, ok := catalog.Item(common.DatasetOTL1, "pregenerated")
			Expect(ok).To(BeTrue())
			Expect(item.Assets).NotTo(HaveKey("vendor"))
			Expect(item.Assets).To(HaveKey("data"))
		})

		It("should fail if neither the MTL nor the pre-generated item can be used", func() {
			data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{InvalidMTL: true})
			Expect(err).NotTo(HaveOccurred())
			scene.URL = server.Add(entityID, filename, data)
			res := newTask().Run(ctx)
			var errItem downloader.ErrCannotCreateCatalogItem
			Expect(errors.As(res.Err, &errItem)).To(BeTrue(), res.Err.Error())
			Expect(errItem.Fallback).To(BeNil())
			Expect(res.Err.Error()).To(ContainSubstring("no pre-generated item"))
		})

		It("should report the error of an invalid pre-generated item", func() {
			data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{InvalidMTL: true, InvalidItem: true})
			Expect(err).NotTo(HaveOccurred())
			scene.URL = server.Add(entityID, filename, data)
			res := newTask().Run(ctx)
			var errItem downloader.ErrCannotCreateCatalogItem
			Expect(errors.As(res.Err, &errItem)).To(BeTrue(), res.Err.Error())
			Expect(errItem.Fallback).To(HaveOccurred())
			Expect(res.Err.Error()).To(ContainSubstring("item has no id"))
			Expect(res.Err.Error()).NotTo(ContainSubstring("no pre-generated item"))
		})

		It("should fail without the bands of the thumbnail", func() {
			data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{Bands: []int{1, 5, 6, 7}})
			Expect(err).NotTo(HaveOccurred())
			scene.URL = server.Add(entityID, filename, data)
			res := newTask().Run(ctx)
			var errSource thumbnail.ErrNoThumbnailSource
			Expect(errors.As(res.Err, &errSource)).To(BeTrue(), res.Err.Error())
			creates, _ := catalog.Counts()
			Expect(creates).To(Equal(0))
		})
	})

	Context("with an unexpected dataset", func() {
		It("should fail when deriving the thumbnail", func() {
			scene.Dataset = "landsat_unknown_c2_l1"
			var states []common.State
			task := newTask()
			task.OnStateChange(func(s common.State) { states = append(states, s) })
			res := task.Run(ctx)
			Expect(res.State).To(Equal(common.StateFailed))
			var errDataset thumbnail.ErrUnexpectedDataset
			Expect(errors.As(res.Err, &errDataset)).To(BeTrue(), res.Err.Error())
			Expect(errDataset.Dataset).To(Equal("landsat_unknown_c2_l1"))
			Expect(states).To(ContainElement(common.StateMetadataExtracted))
			Expect(states).NotTo(ContainElement(common.StateThumbnailReady))
			creates, _ := catalog.Counts()
			Expect(creates).To(Equal(0))
		})
	})

	Context("with a failing catalog", func() {
		It("should not write the registration marker", func() {
			catalog.FailCollection = common.DatasetOTL1
			res := newTask().Run(ctx)
			Expect(res.State).To(Equal(common.StateFailed))
			Expect(stored(common.FeatureIDFileName(displayID))).To(BeFalse())
		})

		Context("with a scene relying on its pre-generated item", func() {
			BeforeEach(func() {
				data, err := downloadertest.Archive(displayID, downloadertest.ArchiveOptions{InvalidMTL: true, PregeneratedItem: "pregenerated"})
				Expect(err).NotTo(HaveOccurred())
				scene.URL = server.Add(entityID, filename, data)
				catalog.FailCollection = common.DatasetOTL1
				res := newTask().Run(ctx)
				Expect(res.State).To(Equal(common.StateFailed))
				Expect(stored(common.STACFileName(displayID))).To(BeTrue())
				catalog.FailCollection = ""
			})

			It("should register the stored pre-generated item on the next run", func() {
				res := newTask().Run(ctx)
				Expect(res.Err).NotTo(HaveOccurred())
				Expect(res.State).To(Equal(common.StateDone))
				Expect(server.Gets(entityID)).To(Equal(2))
				Expect(store.Uploads(key(filename))).To(Equal(1))
				item, ok := catalog.Item(common.DatasetOTL1, "pregenerated")
				Expect(ok).To(BeTrue())
				Expect(item.Assets).NotTo(HaveKey("vendor"))
				Expect(item.Assets).To(HaveKey("ANG.txt"))
				expectCleanWorkdir()
			})

			It("should redownload the archive once if the pre-generated item is not stored", func() {
				Expect(store.Delete(ctx, key(common.STACFileName(displayID)))).To(Succeed())
				res := newTask().Run(ctx)
				Expect(res.Err).NotTo(HaveOccurred())
				Expect(res.State).To(Equal(common.StateDone))
				Expect(server.Gets(entityID)).To(Equal(3))
				Expect(store.Uploads(key(filename))).To(Equal(2))
				Expect(stored(common.STACFileName(displayID))).To(BeTrue())
				_, ok := catalog.Item(common.DatasetOTL1, "pregenerated")
				Expect(ok).To(BeTrue())
			})

			It("should stay failed on every run", func() {
				catalog.FailCollection = common.DatasetOTL1
				for run := 0; run < 2; run++ {
					res := newTask().Run(ctx)
					Expect(res.State).To(Equal(common.StateFailed))
					var errItem downloader.ErrCannotCreateCatalogItem
					Expect(errors.As(res.Err, &errItem)).To(BeFalse(), res.Err.Error())
				}
			})
		})
	})
})
