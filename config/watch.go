package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it is written.
type Watcher struct {
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch starts watching path. onChange receives every configuration that
// loads and validates; onError receives read, parse and validation failures,
// in which case the previous configuration stays in effect. The directory is
// watched so that editors that replace the file are followed.
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", abs, err)
	}

	w := &Watcher{watcher: fw}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}

				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}

				cfg, err := Load(abs)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}

				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}

				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return w, nil
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		w.wg.Wait()
	})

	return err
}
