package filter

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
)

// watch watches files for changes and calls onChange once per burst of events.
// Parent directories are watched, so files created after the start are picked up too. Every directory must exist.
// delay is a time to wait after the first change before calling onChange, to avoid multiple reloads
// on a series of writes. Returns when ctx is canceled.
func watch(ctx context.Context, delay time.Duration, files []string, onChange func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	errs := new(multierror.Error)
	watched := make(map[string]bool, len(files)) // cleaned file names
	dirs := make(map[string]bool)
	for _, file := range files {
		dir := filepath.Dir(file)
		watched[filepath.Clean(file)] = true
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if _, err := os.Stat(dir); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to stat directory of %q: %w", file, err))
			continue
		}
		log.Printf("[DEBUG] add directory %q to watcher", dir)
		if err := watcher.Add(dir); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to watch %q: %w", dir, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to add some files to watcher: %w", err)
	}

	reloadTimer := time.NewTimer(delay)
	defer reloadTimer.Stop()
	reloadPending := false
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] stopping watcher for samples: %v", ctx.Err())
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Printf("[DEBUG] file %q updated, op: %v", event.Name, event.Op)
			if !reloadPending {
				reloadPending = true
				reloadTimer.Reset(delay)
			}
		case <-reloadTimer.C:
			if reloadPending {
				reloadPending = false
				if err := onChange(); err != nil {
					log.Printf("[WARN] %v", err)
				}
			}
		case e, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] watcher error: %v", e)
		}
	}
}
