package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/emberlink/emberlink/internal/secure"
)

// KeyWatcher installs device keys from files in the keys directory. Each
// file is named <device-id>.key and holds the base64 AES-256 key. Dropping
// a new file provisions the device; rewriting it rotates to a fresh
// epoch; deleting it revokes the device.
type KeyWatcher struct {
	dir      string
	grace    time.Duration
	registry *Registry
	log      *slog.Logger
}

func NewKeyWatcher(dir string, grace time.Duration, registry *Registry, log *slog.Logger) *KeyWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &KeyWatcher{dir: dir, grace: grace, registry: registry, log: log}
}

// LoadAll installs every key file already present, for gateway startup.
func (w *KeyWatcher) LoadAll() error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		if err := w.install(filepath.Join(w.dir, entry.Name())); err != nil {
			w.log.Warn("skipping key file", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

// Watch reacts to key file changes until the context is canceled.
func (w *KeyWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating key watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching keys directory: %w", err)
	}
	w.log.Info("watching keys directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("key watcher error", "error", err)
		}
	}
}

func (w *KeyWatcher) handle(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".key") {
		return
	}
	deviceID := deviceIDFromPath(event.Name)

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if err := w.install(event.Name); err != nil {
			w.log.Warn("installing key failed", "device", deviceID, "error", err)
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.registry.Remove(deviceID)
		w.log.Info("device key revoked", "device", deviceID)
	}
}

func (w *KeyWatcher) install(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	key, err := base64.URLEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("decoding key file: %w", err)
	}

	box, err := secure.NewBox(key, 1, w.grace)
	if err != nil {
		return err
	}
	w.registry.Install(deviceIDFromPath(path), box)
	return nil
}

func deviceIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".key")
}

// WriteKeyFile persists a provisioned key, used by the pair command so a
// running gateway picks the device up through the watcher.
func WriteKeyFile(dir, deviceID string, key []byte) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, deviceID+".key")
	encoded := base64.URLEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return "", err
	}
	return path, nil
}
