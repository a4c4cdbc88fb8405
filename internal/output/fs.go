package output

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// deliverFilesystem writes the serialized output to d's expanded path,
// atomically (temp file + rename) so a concurrent reader never
// observes a partial write (spec §4.H.3).
func deliverFilesystem(ctx context.Context, d *FilesystemDestination, body []byte, tmplCtx Context) error {
	path, _ := Expand(d.PathTemplate, tmplCtx)

	if d.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return rerrors.New(rerrors.KindFilesystem, "output", err).WithRetryable(isTransientFsErr(err))
		}
	}

	if !d.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return rerrors.Newf(rerrors.KindFilesystem, "output", "destination %q already exists and overwrite is false", path).WithRetryable(false)
		}
	}

	perm := os.FileMode(d.Permissions)
	if perm == 0 {
		perm = 0644
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ratchet-tmp-*")
	if err != nil {
		return rerrors.New(rerrors.KindFilesystem, "output", err).WithRetryable(isTransientFsErr(err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return rerrors.New(rerrors.KindFilesystem, "output", err).WithRetryable(isTransientFsErr(err))
	}
	if err := tmp.Close(); err != nil {
		return rerrors.New(rerrors.KindFilesystem, "output", err).WithRetryable(isTransientFsErr(err))
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return rerrors.New(rerrors.KindFilesystem, "output", err).WithRetryable(isTransientFsErr(err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return rerrors.New(rerrors.KindFilesystem, "output", err).WithRetryable(isTransientFsErr(err))
	}
	return nil
}

// isTransientFsErr classifies permission errors as non-retryable per
// spec §7's FilesystemError row ("permission denied = no"); anything
// else (disk full transients, missing intermediate dir races) is
// treated as retryable.
func isTransientFsErr(err error) bool {
	return !os.IsPermission(err)
}
