// Package watcher notices when the installed package changes outside the
// updater, e.g. when an operator copies a new version into place by hand.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last event before
// reading the installed version.
const DefaultDebounce = 2 * time.Second

// VersionFunc reads the currently installed version.
type VersionFunc func() (string, error)

// ChangeFunc is called when the installed version differs from the last one
// seen. Either value is empty when the version could not be read.
type ChangeFunc func(previous, current string)

// Service watches a live package directory and its parent. The live
// directory is replaced wholesale during an update, so the parent is
// watched to re-attach to the new directory.
type Service struct {
	liveDir  string
	version  VersionFunc
	onChange ChangeFunc
	debounce time.Duration

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	timer    *time.Timer
	last     string
	stopOnce sync.Once
}

func NewService(liveDir string, version VersionFunc, onChange ChangeFunc) *Service {
	return &Service{
		liveDir:  filepath.Clean(liveDir),
		version:  version,
		onChange: onChange,
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetDebounce changes the quiet period. It must be called before Start.
func (s *Service) SetDebounce(d time.Duration) {
	s.debounce = d
}

// Start records the current version and begins watching.
func (s *Service) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.liveDir)); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.addLiveDir()
	s.last, _ = s.version()

	log.Printf("Watching %s for out-of-band changes", s.liveDir)
	go s.processEvents()
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.watcher == nil {
			return
		}
		err = s.watcher.Close()
		<-s.done

		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	})
	return err
}

func (s *Service) addLiveDir() {
	if info, err := os.Stat(s.liveDir); err == nil && info.IsDir() {
		if err := s.watcher.Add(s.liveDir); err != nil {
			log.Printf("Failed to watch %s: %v", s.liveDir, err)
		}
	}
}

func (s *Service) processEvents() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)
		case <-s.stop:
			return
		}
	}
}

func (s *Service) handleEvent(event fsnotify.Event) {
	// Chmod fires on reads and attribute changes.
	if event.Op == fsnotify.Chmod {
		return
	}
	name := filepath.Clean(event.Name)
	switch {
	case name == s.liveDir:
		if event.Op&fsnotify.Create != 0 {
			s.addLiveDir()
		}
	case filepath.Dir(name) == s.liveDir && filepath.Base(name) == "plugin.json":
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.check)
}

func (s *Service) check() {
	current, err := s.version()
	if err != nil {
		current = ""
	}

	s.mu.Lock()
	previous := s.last
	s.last = current
	s.mu.Unlock()

	if previous != current {
		log.Printf("Installed version of %s changed from %q to %q", filepath.Base(s.liveDir), previous, current)
		s.onChange(previous, current)
	}
}
