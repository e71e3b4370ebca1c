// Package shares maps remote filenames, as peers address them on the
// network, to physical files under the operator's shared directories.
//
// Remote names use backslash separators and are rooted at the base name of
// a shared directory ("Music\\Albums\\track.mp3"). The index is built by
// walking the configured directories and is swapped atomically on rescan,
// so lookups never observe a half-built index.
package shares

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soulseekd/soulseekd/internal/logger"
)

// ErrNotShared is returned when a remote name resolves to nothing.
var ErrNotShared = errors.New("file is not shared")

// Resolved is the physical location of a shared file.
type Resolved struct {
	// Host is the daemon instance holding the file. Always the local
	// host in this build; a relay deployment would return the agent name.
	Host string

	// LocalPath is the absolute on-disk path.
	LocalPath string

	// Size is the file size recorded at index time. The actual on-disk
	// size is authoritative; callers stat the file before serving it.
	Size int64
}

// Resolver locates shared files and accepts rescan requests.
type Resolver interface {
	// Resolve maps a remote filename to its physical location.
	Resolve(remote string) (Resolved, error)

	// RequestScan schedules an index rebuild. It returns immediately;
	// repeated requests while a scan is pending coalesce into one.
	RequestScan()
}

// LocalHost is the Host value for files served by this instance.
const LocalHost = "local"

// Config holds share configuration.
type Config struct {
	// Directories are the roots to share. The base name of each
	// directory becomes the first remote path element.
	Directories []string `mapstructure:"directories" yaml:"directories"`

	// RescanInterval triggers periodic index rebuilds. Zero disables
	// periodic scans; explicit RequestScan calls still work.
	RescanInterval time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`
}

// Index is the filesystem-backed Resolver.
type Index struct {
	cfg Config

	// files maps remote name -> Resolved; replaced wholesale on rescan.
	files atomic.Pointer[map[string]Resolved]

	scanMu      sync.Mutex
	scanPending atomic.Bool

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewIndex creates an index and performs the initial scan synchronously.
func NewIndex(cfg Config) (*Index, error) {
	idx := &Index{
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	empty := map[string]Resolved{}
	idx.files.Store(&empty)

	if err := idx.scan(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Start begins the background rescan loop.
func (i *Index) Start(ctx context.Context) {
	go func() {
		defer close(i.stopped)

		var tick <-chan time.Time
		if i.cfg.RescanInterval > 0 {
			ticker := time.NewTicker(i.cfg.RescanInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-i.stopCh:
				return
			case <-tick:
				i.scanPending.Store(true)
			case <-time.After(time.Second):
			}

			if i.scanPending.CompareAndSwap(true, false) {
				if err := i.scan(); err != nil {
					logger.Warn("Share rescan failed", logger.Err(err))
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (i *Index) Stop() {
	select {
	case <-i.stopCh:
	default:
		close(i.stopCh)
	}
	<-i.stopped
}

// Resolve implements Resolver.
func (i *Index) Resolve(remote string) (Resolved, error) {
	files := *i.files.Load()
	r, ok := files[remote]
	if !ok {
		return Resolved{}, ErrNotShared
	}
	return r, nil
}

// RequestScan implements Resolver.
func (i *Index) RequestScan() {
	i.scanPending.Store(true)
}

// Len returns the number of indexed files.
func (i *Index) Len() int {
	return len(*i.files.Load())
}

// scan rebuilds the index from the configured directories and swaps it in.
func (i *Index) scan() error {
	i.scanMu.Lock()
	defer i.scanMu.Unlock()

	start := time.Now()
	files := make(map[string]Resolved)

	for _, dir := range i.cfg.Directories {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		root := filepath.Base(abs)

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are skipped, not fatal; the file
				// simply isn't shared.
				logger.Debug("Skipping unreadable entry", "path", path, logger.Err(err))
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}

			rel, err := filepath.Rel(abs, path)
			if err != nil {
				return nil
			}
			remote := root + "\\" + strings.ReplaceAll(rel, string(filepath.Separator), "\\")

			files[remote] = Resolved{
				Host:      LocalHost,
				LocalPath: path,
				Size:      info.Size(),
			}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	i.files.Store(&files)
	logger.Info("Share index rebuilt",
		"files", len(files),
		"directories", len(i.cfg.Directories),
		logger.DurationMs(logger.Duration(start)))
	return nil
}
