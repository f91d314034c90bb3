package dict

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"med-deid/internal/logger"
)

// reloadDebounce groups bursts of writes (editors often write, rename, chmod).
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the dictionaries in dir whenever a .txt file changes and
// hands every successfully loaded Set to onReload. Failed reloads are logged
// and the previous Set stays in effect. Watch blocks until ctx is done.
func Watch(ctx context.Context, dir string, log *logger.Logger, onReload func(*Set)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create dictionary watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck // best-effort close on shutdown

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	log.Infof("watch", "watching %s for dictionary changes", dir)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".txt") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("watch", "%s %s", ev.Op, filepath.Base(ev.Name))
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watch", "watcher error: %v", err)

		case <-pending:
			pending = nil
			set, err := LoadDir(dir)
			if err != nil {
				log.Errorf("reload", "keeping previous dictionaries: %v", err)
				continue
			}
			log.Infof("reload", "dictionaries reloaded: surnames=%d titles=%d institutions=%d suffixes=%d",
				set.Surnames.Len(), set.Titles.Len(), set.Institutions.Len(), set.InstitutionSuffixes.Len())
			onReload(set)
		}
	}
}
