package main

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// credentialWatcher watches the credentials directory and invokes onChange
// after file events settle. Editors and the atomic-rename writer produce
// event bursts, so changes are debounced.
type credentialWatcher struct {
	dir      string
	debounce time.Duration
	onChange func(accountIDs []string)

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newCredentialWatcher(dir string, onChange func(accountIDs []string)) (*credentialWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	cw := &credentialWatcher{
		dir:      dir,
		debounce: 500 * time.Millisecond,
		onChange: onChange,
		pending:  map[string]bool{},
		watcher:  w,
		done:     make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *credentialWatcher) loop() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id := accountIDFromPath(ev.Name)
			if id == "" {
				continue
			}
			cw.record(id)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("credentials watcher: %v", err)
		case <-cw.done:
			return
		}
	}
}

func (cw *credentialWatcher) record(accountID string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.pending[accountID] = true
	if cw.timer == nil {
		cw.timer = time.AfterFunc(cw.debounce, cw.fire)
	} else {
		cw.timer.Reset(cw.debounce)
	}
}

func (cw *credentialWatcher) fire() {
	cw.mu.Lock()
	ids := make([]string, 0, len(cw.pending))
	for id := range cw.pending {
		ids = append(ids, id)
	}
	cw.pending = map[string]bool{}
	cw.timer = nil
	cw.mu.Unlock()

	if len(ids) > 0 && cw.onChange != nil {
		log.Infof("credentials changed on disk for %s", strings.Join(ids, ", "))
		cw.onChange(ids)
	}
}

func (cw *credentialWatcher) Close() error {
	close(cw.done)
	return cw.watcher.Close()
}

// accountIDFromPath maps a credentials file path back to its account ID.
// Temp files from atomic writes are ignored.
func accountIDFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json")
}
