package downloader

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/interface/stac"
	"github.com/airbusgeo/landsat-ingester/metadata"
	"github.com/airbusgeo/landsat-ingester/service/log"
)

// buildItem creates the catalog item from the MTL file, or from the pre-generated item of the archive
func (t *Task) buildItem(ctx context.Context, st *sceneState) error {
	item, err := metadata.ParseMTLFile(st.mtlPath)
	if err != nil {
		if st.stacPath == "" {
			return ErrCannotCreateCatalogItem{DisplayID: t.Scene.DisplayID, Cause: err}
		}
		log.Logger(ctx).Sugar().Warnf("unable to create the item from %s (%v): using the pre-generated item", filepath.Base(st.mtlPath), err)
		data, rerr := os.ReadFile(st.stacPath)
		if rerr == nil {
			item, rerr = stac.LoadItem(data)
		}
		if rerr != nil {
			return ErrCannotCreateCatalogItem{DisplayID: t.Scene.DisplayID, Cause: err, Fallback: rerr}
		}
	}
	item.ClearVendorEntries()
	item.Collection = t.Scene.Dataset
	st.item = item
	return nil
}

// mimeType returns the media type of the file, based on its extension
func mimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".tar" {
		return "application/x-tar"
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// href returns the public url of the key
func (t *Task) href(key string) string {
	return strings.TrimSuffix(t.opts.DownloadHost, "/") + "/" + key
}

// addAssets adds the assets stored by the pipeline: raw archive, metadata and thumbnail
func (t *Task) addAssets(st *sceneState) {
	dataset, id := t.Scene.Dataset, t.Scene.DisplayID
	fullname, err := common.DatasetFullName(dataset)
	if err != nil {
		fullname = dataset
	}
	mtl := common.MTLFileName(id)
	ang := common.ANGFileName(id)
	thumb := common.ThumbnailFileName(id)
	st.item.AddAsset("data", stac.Asset{
		Href:        t.href(st.archiveKey),
		Type:        mimeType(st.archiveKey),
		Title:       "Data",
		Description: fmt.Sprintf("%s full data tarball for item %s.", fullname, id),
		Roles:       []string{"data"},
	})
	st.item.AddAsset("mtl.xml", stac.Asset{
		Href:        t.href(common.StorageKey(dataset, mtl)),
		Type:        mimeType(mtl),
		Title:       "Metadata",
		Description: fmt.Sprintf("Metadata for %s item %s.", fullname, id),
		Roles:       []string{"metadata"},
	})
	if st.angPath != "" || st.angStored {
		st.item.AddAsset("ANG.txt", stac.Asset{
			Href:        t.href(common.StorageKey(dataset, ang)),
			Type:        "text/plain",
			Title:       "Angle Coefficients File",
			Description: fmt.Sprintf("Angle coefficients for %s item %s.", fullname, id),
			Roles:       []string{"metadata"},
		})
	}
	st.item.AddAsset("thumbnail", stac.Asset{
		Href:        t.href(common.StorageKey(dataset, thumb)),
		Type:        mimeType(thumb),
		Title:       "Thumbnail",
		Description: fmt.Sprintf("Thumbnail for %s item %s.", fullname, id),
		Roles:       []string{"thumbnail"},
	})
}
