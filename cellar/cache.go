package cellar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const cacheTempDir = "temp"

// SystemCache is the on-disk store of downloaded packages: a directory tree
// keyed by (source, package, version-or-revision). Entries are write-once -
// fetched into a staging directory on the same volume, then renamed into
// place - and read-only afterwards.
type SystemCache struct {
	// Root is the cache root directory.
	Root string

	reg  *Registry
	log  *logrus.Logger
	pool *descriptorPool

	group   singleflight.Group
	flmu    sync.Mutex
	flights map[string]*flight
}

// flight tracks one in-progress download so that late waiters can join it
// and so the underlying fetch is only canceled once every waiter has
// walked away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// OpenCache prepares the cache root for use, creating it if needed and
// sweeping leftover staging directories from earlier runs.
func OpenCache(root string, reg *Registry, log *logrus.Logger) (*SystemCache, error) {
	if err := os.MkdirAll(filepath.Join(root, cacheTempDir), 0755); err != nil {
		return nil, errors.Wrap(err, "creating cache root")
	}

	c := &SystemCache{
		Root:    root,
		reg:     reg,
		log:     log,
		pool:    newDescriptorPool(descriptorPoolSize),
		flights: make(map[string]*flight),
	}
	if err := c.cleanTemp(); err != nil {
		return nil, err
	}
	return c, nil
}

// SourceRoot is the subtree a source keeps its entries under.
func (c *SystemCache) SourceRoot(sourceName string) string {
	return filepath.Join(c.Root, sourceName)
}

// StagingDir creates a fresh directory under temp/ on the cache volume, so
// a completed fetch can be renamed into its entry path atomically.
func (c *SystemCache) StagingDir() (string, error) {
	dir := filepath.Join(c.Root, cacheTempDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	return dir, nil
}

func (c *SystemCache) cleanTemp() error {
	temp := filepath.Join(c.Root, cacheTempDir)
	entries, err := os.ReadDir(temp)
	if err != nil {
		return errors.Wrap(err, "listing staging directory")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(temp, e.Name())); err != nil {
			return errors.Wrap(err, "sweeping staging directory")
		}
	}
	return nil
}

// Download materializes id into the cache through its source, guaranteeing
// at most one in-flight fetch per id process-wide. Every concurrent caller
// for the same id observes the same Package or the same failure; the entry
// is forgotten on completion so a later retry fetches anew.
//
// Download of an id whose source does not cache is an InvalidArgumentError.
func (c *SystemCache) Download(ctx context.Context, id PackageID) (*Package, error) {
	src, err := c.reg.Get(id.Ref.Source)
	if err != nil {
		return nil, err
	}
	if !src.ShouldCache() {
		return nil, InvalidArgumentError(
			fmt.Sprintf("source %q does not cache; cannot download %s", src.Name(), id))
	}

	key := c.downloadKey(id)

	c.flmu.Lock()
	fl, has := c.flights[key]
	if !has {
		// The fetch runs on its own context: a single waiter canceling
		// must not kill a download other callers still await.
		fctx, cancel := context.WithCancel(context.Background())
		fl = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = fl
	}
	fl.waiters++
	c.flmu.Unlock()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		defer func() {
			c.flmu.Lock()
			delete(c.flights, key)
			c.flmu.Unlock()
			fl.cancel()
		}()
		c.log.WithFields(logrus.Fields{
			"package": id.Ref.Name,
			"version": id.Version.String(),
			"source":  src.Name(),
		}).Debug("Downloading package into system cache")
		return src.DownloadToCache(fl.ctx, id)
	})

	select {
	case res := <-ch:
		c.flmu.Lock()
		fl.waiters--
		c.flmu.Unlock()
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Package), nil

	case <-ctx.Done():
		c.flmu.Lock()
		fl.waiters--
		if fl.waiters == 0 {
			fl.cancel()
		}
		c.flmu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *SystemCache) downloadKey(id PackageID) string {
	return fmt.Sprintf("%x-%s", c.reg.hashKey(id.Ref), id.Version)
}

// commitStaging moves a completed staging directory into its final entry
// path. A concurrent loser that finds the entry already present discards
// its staging copy.
func (c *SystemCache) commitStaging(staging, entry string) error {
	if err := os.MkdirAll(filepath.Dir(entry), 0755); err != nil {
		return errors.Wrap(err, "creating cache entry parent")
	}
	if err := os.Rename(staging, entry); err != nil {
		if _, statErr := os.Stat(entry); statErr == nil {
			return os.RemoveAll(staging)
		}
		return errors.Wrap(err, "committing cache entry")
	}
	return nil
}

// Walk visits every materialized cache entry below root, skipping the
// staging area. The callback receives paths relative to the cache root.
func (c *SystemCache) Walk(fn func(rel string, isDir bool) error) error {
	return godirwalk.Walk(c.Root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			rel, err := filepath.Rel(c.Root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if rel == cacheTempDir && de.IsDir() {
				return filepath.SkipDir
			}
			return fn(rel, de.IsDir())
		},
	})
}
