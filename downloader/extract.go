package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/airbusgeo/landsat-ingester/common"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/mholt/archiver"
)

// extractMembers walks the archive and copies to dir the members accepted by keep.
// It returns the local path of the extracted members, indexed by member name.
// The walk stops as soon as limit members are extracted (limit <= 0: no limit).
func extractMembers(ctx context.Context, archive, dir string, keep func(name string) bool, limit int) (map[string]string, error) {
	a, err := archiver.ByExtension(archive)
	if err != nil {
		return nil, fmt.Errorf("extractMembers.ByExtension: %w", err)
	}
	walker, ok := a.(archiver.Walker)
	if !ok {
		return nil, fmt.Errorf("extractMembers: format of %s cannot be walked", filepath.Base(archive))
	}

	extracted := map[string]string{}
	err = walker.Walk(archive, func(f archiver.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := f.Name()
		if f.IsDir() || !keep(name) {
			return nil
		}
		if _, ok := extracted[name]; ok {
			return nil
		}
		local := filepath.Join(dir, name)
		if err := copyMember(f, local); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
		extracted[name] = local
		if limit > 0 && len(extracted) >= limit {
			return archiver.ErrStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, archiver.ErrStopWalk) {
		// archive corruption may be due to a transient storage failure
		return nil, service.MakeTemporary(fmt.Errorf("extractMembers.Walk(%s): %w", filepath.Base(archive), err))
	}
	return extracted, nil
}

func copyMember(r io.Reader, local string) error {
	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(local)
		return err
	}
	return out.Close()
}

// extractMetadata extracts the MTL file (mandatory), the ANG and the pre-generated stac item (optional)
func (t *Task) extractMetadata(ctx context.Context, st *sceneState) error {
	id := t.Scene.DisplayID
	names := map[string]*string{
		common.MTLFileName(id):  &st.mtlPath,
		common.ANGFileName(id):  &st.angPath,
		common.STACFileName(id): &st.stacPath,
	}
	extracted, err := extractMembers(ctx, st.archivePath, st.workdir, func(name string) bool {
		_, ok := names[name]
		return ok
	}, len(names))
	if err != nil {
		return fmt.Errorf("extractMetadata.%w", err)
	}
	for name, local := range extracted {
		*names[name] = local
	}
	if st.mtlPath == "" {
		return ErrMissingMetadata{Archive: filepath.Base(st.archivePath), Member: common.MTLFileName(id)}
	}
	if st.stacPath == "" {
		log.Logger(ctx).Sugar().Debugf("%s not found in the archive", common.STACFileName(id))
	}
	return nil
}
