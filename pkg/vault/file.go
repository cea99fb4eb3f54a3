package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DecryptFunc decrypts a stored credential value. The default is identity for
// plaintext stores; production deployments inject the real decryptor.
type DecryptFunc func(value string) (string, error)

// FileVault reads per-agent credentials from a JSON file of the shape
// {"agentID": {"key": "value"}} and hot-reloads it when the file changes.
type FileVault struct {
	path    string
	decrypt DecryptFunc
	logger  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileVault loads the credential file and starts watching it for changes
func NewFileVault(path string, decrypt DecryptFunc, logger zerolog.Logger) (*FileVault, error) {
	if decrypt == nil {
		decrypt = func(value string) (string, error) { return value, nil }
	}

	v := &FileVault{
		path:    path,
		decrypt: decrypt,
		logger:  logger,
		done:    make(chan struct{}),
	}
	if err := v.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch credential file: %w", err)
	}
	v.watcher = watcher
	go v.watch()

	return v, nil
}

// Credentials returns the decrypted credential map for an agent. Agents with
// no stored credentials get an empty map, not an error; missing placeholders
// surface during substitution instead.
func (v *FileVault) Credentials(ctx context.Context, agentID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	stored := v.entries[agentID]
	v.mu.RUnlock()

	credentials := make(map[string]string, len(stored))
	for key, value := range stored {
		plain, err := v.decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential %q: %w", key, err)
		}
		credentials[key] = plain
	}
	return credentials, nil
}

// Close stops the file watcher
func (v *FileVault) Close() error {
	close(v.done)
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

func (v *FileVault) reload() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}

	entries := make(map[string]map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse credential file: %w", err)
	}

	v.mu.Lock()
	v.entries = entries
	v.mu.Unlock()

	v.logger.Debug().Int("agents", len(entries)).Msg("Credential file loaded")
	return nil
}

func (v *FileVault) watch() {
	for {
		select {
		case <-v.done:
			return
		case event, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := v.reload(); err != nil {
				v.logger.Warn().Err(err).Msg("Failed to reload credential file, keeping previous values")
			}
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.logger.Warn().Err(err).Msg("Credential watcher error")
		}
	}
}
