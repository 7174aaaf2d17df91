// Package cachemaint implements periodic reconciliation of on-disk
// artifacts in each share's cache folder against the index, run as a
// ticker-driven background loop.
package cachemaint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/audit"
	"github.com/kenchrcum/weathergw/internal/cacheindex"
	"github.com/kenchrcum/weathergw/internal/metrics"
	"github.com/kenchrcum/weathergw/internal/model"
)

var fingerprintName = regexp.MustCompile(`^[0-9a-f]{32}\.grib$`)

// OrphanGrace is how recently a *.grib file must have been modified to be
// exempt from Clean, even if the index has no entry for its fingerprint.
// This guards against deleting a file that was just created on disk but
// is not yet named by any index entry (an entry of any status already
// protects its file).
const OrphanGrace = 60 * time.Second

// Maintainer periodically reconciles a set of share directories against
// the cache index.
type Maintainer struct {
	// CacheRoot is the worker-local filesystem prefix shares are mounted
	// under; joined with each share name to locate its on-disk cache
	// folder. Shares stay bare names in index entries.
	CacheRoot   string
	Shares      []string
	CacheFolder string
	Index       cacheindex.Index
	Log         *logrus.Logger
	Metrics     *metrics.Metrics
	Audit       audit.Logger

	// Now, if set, replaces time.Now for orphan-grace calculations in tests.
	Now func() time.Time
}

func (m *Maintainer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Run executes Populate followed by Clean once, against every configured
// share. It logs but does not abort on a single share's error, so one bad
// mount doesn't block reconciliation of the others.
//
// Populate's backfill entries are provisional within a sweep: Clean treats
// a fingerprint that was absent from the index when the sweep started as an
// orphan even though Populate just wrote an entry for it, so a wiped index
// recovers only files young enough to plausibly still be wanted (inside
// OrphanGrace) while stale untracked artifacts are removed along with their
// provisional entries. Entries that existed before the sweep, whatever
// their status, always protect their targets.
func (m *Maintainer) Run(ctx context.Context) {
	statusCounts := map[model.Status]int{}
	backfilled := map[string]struct{}{}

	for _, share := range m.Shares {
		dir := filepath.Join(m.CacheRoot, share, m.CacheFolder)
		if err := m.populate(ctx, dir, share, statusCounts, backfilled); err != nil {
			m.Log.WithError(err).WithField("share", share).Warn("cachemaint: populate failed")
		}
	}
	for _, share := range m.Shares {
		dir := filepath.Join(m.CacheRoot, share, m.CacheFolder)
		if err := m.clean(ctx, dir, share, backfilled); err != nil {
			m.Log.WithError(err).WithField("share", share).Warn("cachemaint: clean failed")
		}
	}

	if m.Metrics != nil {
		for status, count := range statusCounts {
			m.Metrics.SetCacheEntries(string(status), float64(count))
		}
	}
}

// RunEvery starts Run on a ticker until ctx is cancelled.
func (m *Maintainer) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Run(ctx)
		}
	}
}

// populate inserts a COMPLETED index entry for any *.grib file on disk
// whose fingerprint the index doesn't already know about, recording each
// backfill in backfilled so clean can tell provisional entries apart from
// pre-existing ones.
func (m *Maintainer) populate(ctx context.Context, dir, share string, statusCounts map[model.Status]int, backfilled map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cachemaint: read dir %s: %w", dir, err)
	}

	for _, de := range entries {
		if de.IsDir() || !fingerprintName.MatchString(de.Name()) {
			continue
		}
		fp := de.Name()[:32]

		existing, err := m.Index.Get(ctx, fp)
		if err == nil {
			statusCounts[existing.Status]++
			continue
		}
		if err != cacheindex.ErrNotFound {
			m.Log.WithError(err).WithField("fingerprint", fp).Warn("cachemaint: index lookup failed during populate")
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, de.Name())
		entry := &model.CacheEntry{
			Status: model.StatusCompleted,
			Share:  share,
			Target: path,
			Size:   info.Size(),
		}
		if err := m.Index.Set(ctx, fp, entry); err != nil {
			m.Log.WithError(err).WithField("fingerprint", fp).Warn("cachemaint: backfill write failed")
			continue
		}
		backfilled[fp] = struct{}{}
		statusCounts[model.StatusCompleted]++
	}
	return nil
}

// clean removes any *.grib file on disk whose fingerprint the index had no
// entry for when the sweep started (backfilled holds this sweep's
// provisional inserts, which don't count as protection), skipping files
// modified within OrphanGrace. A nil backfilled map means no populate pass
// ran and the current index state decides.
func (m *Maintainer) clean(ctx context.Context, dir, share string, backfilled map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cachemaint: read dir %s: %w", dir, err)
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() || !fingerprintName.MatchString(de.Name()) {
			continue
		}
		fp := de.Name()[:32]

		provisional := false
		if backfilled != nil {
			_, provisional = backfilled[fp]
		}
		if !provisional {
			_, err := m.Index.Get(ctx, fp)
			if err == nil {
				continue // known entry, protected
			}
			if err != cacheindex.ErrNotFound {
				m.Log.WithError(err).WithField("fingerprint", fp).Warn("cachemaint: index lookup failed during clean")
				continue
			}
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		if m.now().Sub(info.ModTime()) < OrphanGrace {
			continue
		}

		path := filepath.Join(dir, de.Name())
		if err := os.Remove(path); err != nil {
			m.Log.WithError(err).WithField("path", path).Warn("cachemaint: orphan removal failed")
			continue
		}
		if provisional {
			_ = m.Index.Delete(ctx, fp)
		}
		removed++
		if m.Audit != nil {
			m.Audit.LogCleanup(share, path, nil)
		}
	}

	if removed > 0 && m.Metrics != nil {
		m.Metrics.RecordOrphansRemoved(removed)
	}
	return nil
}
