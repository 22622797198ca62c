// Package watcher provides file system monitoring for the gateway
// configuration. When the config file changes on disk, the pipelines and
// route pools are rebuilt without restarting the server.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
)

// debounceDelay absorbs the editor write-then-rename event bursts.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the configuration file on change.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	lastHash       string
}

// NewWatcher creates a new file watcher instance.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsWatcher,
		lastHash:       fileHash(configPath),
	}, nil
}

// Start begins watching the configuration file until the context ends.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go func() {
		defer func() {
			_ = w.watcher.Close()
		}()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					w.reload()
					// editors often replace the file, re-arm the watch
					_ = w.watcher.Add(w.configPath)
				})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// reload parses the changed file and invokes the callback when the content
// actually changed and still validates.
func (w *Watcher) reload() {
	hash := fileHash(w.configPath)
	if hash == "" || hash == w.lastHash {
		return
	}
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload rejected: %v", err)
		return
	}
	w.lastHash = hash
	log.Infof("config file changed, reloading")
	w.reloadCallback(cfg)
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
