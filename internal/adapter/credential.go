package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mmcdole/pixmirror/internal/domain"
)

// ErrNoCredential is returned when no provider holds a credential
var ErrNoCredential = errors.New("no credential configured")

// StaticCredential is a credential fixed by configuration
type StaticCredential string

func (s StaticCredential) Credential(context.Context) (string, error) {
	if v := strings.TrimSpace(string(s)); v != "" {
		return v, nil
	}
	return "", ErrNoCredential
}

// FileCredential reads the credential from a file and keeps the last read
// value in memory. Watch reloads it when the file changes on disk.
type FileCredential struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	cached string
}

var (
	_ domain.CredentialProvider = (*FileCredential)(nil)
	_ domain.CredentialSaver    = (*FileCredential)(nil)
)

// NewFileCredential creates a provider backed by path
func NewFileCredential(path string, logger *slog.Logger) *FileCredential {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCredential{path: path, logger: logger}
}

// Path returns the backing file
func (f *FileCredential) Path() string {
	return f.path
}

func (f *FileCredential) Credential(context.Context) (string, error) {
	f.mu.RLock()
	cached := f.cached
	f.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}
	return f.reload()
}

func (f *FileCredential) reload() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoCredential
	}

	f.mu.Lock()
	f.cached = token
	f.mu.Unlock()
	return token, nil
}

// Save writes the credential with owner-only permissions
func (f *FileCredential) Save(credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return fmt.Errorf("refusing to save empty credential")
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("failed to create credential file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(credential + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set credential permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save credential: %w", err)
	}

	f.mu.Lock()
	f.cached = credential
	f.mu.Unlock()
	return nil
}

// Watch reloads the credential whenever the file is written or replaced,
// until ctx is cancelled. The parent directory is watched so atomic
// replacements are seen.
func (f *FileCredential) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				switch {
				case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
					if _, err := f.reload(); err != nil {
						f.logger.Warn("credential reload failed", "path", f.path, "error", err)
						continue
					}
					f.logger.Info("credential reloaded", "path", f.path)
				case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
					f.mu.Lock()
					f.cached = ""
					f.mu.Unlock()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("credential watcher error", "error", err)
			}
		}
	}()
	return nil
}

// ChainCredential returns the first credential any provider yields
type ChainCredential []domain.CredentialProvider

func (c ChainCredential) Credential(ctx context.Context) (string, error) {
	for _, p := range c {
		v, err := p.Credential(ctx)
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, ErrNoCredential) {
			return "", err
		}
	}
	return "", ErrNoCredential
}

// NewCredentialProvider builds the provider chain from config: an inline
// token wins over the token file. The file provider is also returned so
// callers can persist rotated tokens and watch for changes.
func NewCredentialProvider(cfg *CredentialConfig, logger *slog.Logger) (domain.CredentialProvider, *FileCredential) {
	var chain ChainCredential
	if cfg.Token != "" {
		chain = append(chain, StaticCredential(cfg.Token))
	}
	var file *FileCredential
	if cfg.TokenFile != "" {
		file = NewFileCredential(cfg.TokenFile, logger)
		chain = append(chain, file)
	}
	return chain, file
}
