package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/config/configstore"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var _ configstore.ConfigStore = (*FileStore)(nil)

type FileStore struct {
	Path   string
	Logger lg.Logger
}

func New(path string) *FileStore {
	return &FileStore{Path: path, Logger: lg.Discard}
}

func WriteSecureFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(data)
	return err
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("load: failed to read file %s: %w", f.Path, err)
	}

	if len(bytes) == 0 {
		return fmt.Errorf("load: config file %s is empty", f.Path)
	}

	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("load: failed to parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("save: input parameter must not be nil")
	}

	bytes, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("save: failed to marshal YAML: %w", err)
	}

	// the config may hold an ssh password, so temp file and target stay 0600
	tmpPath := f.Path + ".tmp"
	if err := WriteSecureFile(tmpPath, bytes); err != nil {
		return fmt.Errorf("save: failed to write temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}

// Watch watches the directory holding the file so that editors which save by
// renaming a temp file over it are noticed too.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}
	target, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", f.Path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory of %s: %w", f.Path, err)
	}

	go func() {
		defer watcher.Close()
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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.Logger.Warn("watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()
	return nil
}

func (f *FileStore) Close() error { return nil }
