// Package watch observes a locked configuration file and journals every
// modification that slips past the read-only lock, for example by a child
// running as root.
package watch

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/saworbit/batchkeeper/pkg/journal"
)

// Monitor watches one config file for the duration of a wrapper run.
type Monitor struct {
	watcher *fsnotify.Watcher
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// Start begins watching the directory that contains path and records a
// tamper event for every content-level change to the file itself. The
// optional onTamper callback fires after each recorded event.
//
// The wrapper's own chmod calls while locking and restoring would appear
// as Chmod noise, so only write, create, remove, and rename count.
func Start(j *journal.Journal, job, path string, onTamper func(op string)) (*Monitor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve watch path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watching the parent directory keeps the watch alive across
	// remove-then-recreate edits.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	m := &Monitor{
		watcher: watcher,
		done:    make(chan struct{}),
	}

	go m.loop(j, job, abs, onTamper)

	return m, nil
}

func (m *Monitor) loop(j *journal.Journal, job, abs string, onTamper func(op string)) {
	defer close(m.done)

	for {
		select {
		case evt, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(evt.Name) != abs {
				continue
			}

			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			op := opString(evt.Op)
			if err := j.AppendTamper(job, abs, op); err != nil {
				log.Printf("[watch] failed to journal tamper on %s: %v", abs, err)
			}

			if onTamper != nil {
				onTamper(op)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				log.Printf("[watch] watcher error: %v", err)
			}
		}
	}
}

// Stop ends the watch and waits for the event loop to exit. Safe to call
// more than once and on a nil monitor.
func (m *Monitor) Stop() error {
	if m == nil {
		return nil
	}

	m.stopOnce.Do(func() {
		m.stopErr = m.watcher.Close()
		<-m.done
	})

	return m.stopErr
}

func opString(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	}
	return op.String()
}
