package executor

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/share"
	"github.com/pixyz/scheduler/pkg/types"
)

// packageMarkerTTL bounds how long a crashed packaging run can block the
// next attempt
const packageMarkerTTL = 30 * time.Minute

// ExecuteManagement dispatches the non-compute deliveries: packaging and
// share cleanup
func (e *Executor) ExecuteManagement(ctx context.Context, d *types.Delivery) error {
	switch d.Task {
	case types.TaskPackage:
		return e.Package(ctx, d)
	case types.TaskCleanup:
		return e.Cleanup(ctx, d)
	}
	return fmt.Errorf("unknown management task %q", d.Task)
}

// Package builds the downloadable archive of a job's outputs. A disk state
// marker makes concurrent requests for the same job collapse into one build;
// stale archives of every supported format are removed first so a format
// switch cannot leave both behind.
func (e *Executor) Package(ctx context.Context, d *types.Delivery) error {
	jobID, _ := d.Params["job_id"].(string)
	format, _ := d.Params["format"].(string)
	if format == "" {
		format = "zip"
	}
	ext, ok := types.SupportedArchive[format]
	if !ok {
		return fmt.Errorf("unsupported archive format %q", format)
	}
	logger := log.WithTaskID(d.ID)

	marker := share.NewStateMarker(e.share, jobID, "package", packageMarkerTTL)
	if err := marker.Register(d.ID); err != nil {
		if errors.Is(err, types.ErrStateExists) {
			logger.Info().Str("job_id", jobID).Msg("packaging already in progress, skipping")
			return nil
		}
		return err
	}
	defer func() {
		if err := marker.Unregister(); err != nil {
			logger.Warn().Err(err).Msg("failed to release packaging marker")
		}
	}()

	_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusStarted})

	outDir, err := e.share.OutputDir(jobID)
	if err != nil {
		return e.failTask(ctx, d, nil, err)
	}

	for _, staleExt := range types.SupportedArchive {
		stale, err := e.share.ArchivePath(jobID, staleExt)
		if err != nil {
			continue
		}
		if err := os.Remove(stale); err == nil {
			logger.Info().Str("path", stale).Msg("removed stale archive")
		}
	}

	target, err := e.share.ArchivePath(jobID, ext)
	if err != nil {
		return e.failTask(ctx, d, nil, err)
	}

	// build into a temp file first so readers polling the archive path never
	// see a partial write
	tmp, err := os.CreateTemp(e.cfg.TmpDir, "archive-*."+ext)
	if err != nil {
		return e.failTask(ctx, d, nil, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	switch format {
	case "zip":
		err = buildZip(tmp, outDir)
	case "tar":
		err = buildTar(tmp, outDir, false)
	case "gztar":
		err = buildTar(tmp, outDir, true)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return e.failTask(ctx, d, nil, fmt.Errorf("failed to build archive: %w", err))
	}

	if err := copyFile(tmpPath, target); err != nil {
		return e.failTask(ctx, d, nil, err)
	}

	logger.Info().Str("job_id", jobID).Str("archive", target).Msg("outputs packaged")
	_ = e.backend.SetState(ctx, d.ID, backend.Patch{
		Status: types.StatusSuccess,
		Result: map[string]interface{}{"archive": filepath.Base(target), "format": format},
	})
	return nil
}

// Cleanup removes a path from the shared storage. The path must lie inside
// the share and look like a job tree, both enforced by the store.
func (e *Executor) Cleanup(ctx context.Context, d *types.Delivery) error {
	path, _ := d.Params["path"].(string)
	isDir, _ := d.Params["is_directory"].(bool)

	if err := e.share.Remove(path, isDir); err != nil {
		return e.failTask(ctx, d, nil, err)
	}
	_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusSuccess})
	return nil
}

func buildZip(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		f.Close()
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func buildTar(w io.Writer, dir string, compress bool) error {
	var tw *tar.Writer
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		tw = tar.NewWriter(gz)
	} else {
		tw = tar.NewWriter(w)
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
