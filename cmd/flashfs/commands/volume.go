package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/flashfs/internal/logger"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/metrics"
)

// volume is a mounted image.
type volume struct {
	fs  *fs.FS
	dev *flash.FileDevice
}

// openVolume mounts the configured image. The image keeps the geometry it
// was created with.
func openVolume() (*volume, error) {
	path := cfg.Device.Path
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("image %s does not exist\n\nCreate it first:\n  flashfs format --image %s", path, path)
		}
		return nil, err
	}

	dev, err := flash.OpenFileDevice(path, flash.Geometry{})
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	opts := cfg.FSOptions()
	opts.Metrics = metrics.NewFSMetrics()
	fsys, err := fs.Mount(dev, opts)
	if err != nil {
		_ = dev.Close()
		if fserrors.Is(err, fserrors.ErrNotFormatted) {
			return nil, fmt.Errorf("%w\n\nFormat the image first:\n  flashfs format --image %s", err, path)
		}
		return nil, fmt.Errorf("failed to mount %s: %w", path, err)
	}
	logger.Debug("Volume mounted", "path", path, "volume", fsys.Stat().Volume)
	return &volume{fs: fsys, dev: dev}, nil
}

// Close unmounts the filesystem and flushes the image.
func (v *volume) Close() error {
	return errors.Join(v.fs.Close(), v.dev.Close())
}

// withVolume runs fn on the mounted image and unmounts it afterwards.
func withVolume(fn func(v *volume) error) (err error) {
	v, err := openVolume()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := v.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close image: %w", cerr)
		}
	}()
	return fn(v)
}
