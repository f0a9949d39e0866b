package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/portal"
)

// credentialsFile is the on-disk shape: tenant -> integration -> credentials.
type credentialsFile struct {
	Tenants map[string]map[string]portal.Credentials `yaml:"tenants"`
}

// CredentialDirectory is the read-only credential lookup used by the
// session manager. It reloads the backing YAML file when it changes on
// disk, so credential rotations do not require a restart.
type CredentialDirectory struct {
	path    string
	logger  zerolog.Logger
	mu      sync.RWMutex
	tenants map[string]map[string]portal.Credentials
	watcher *fsnotify.Watcher
}

// LoadCredentials reads the credentials YAML at path.
func LoadCredentials(path string, logger zerolog.Logger) (*CredentialDirectory, error) {
	d := &CredentialDirectory{
		path:   path,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticCredentials builds an in-memory directory, for tests and for
// configurations without a credentials file.
func NewStaticCredentials(tenants map[string]map[string]portal.Credentials) *CredentialDirectory {
	return &CredentialDirectory{tenants: tenants, logger: zerolog.Nop()}
}

// Get returns the credentials for a (tenant, integration) pair.
func (d *CredentialDirectory) Get(tenant, integration string) (portal.Credentials, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	integrations, ok := d.tenants[tenant]
	if !ok {
		return portal.Credentials{}, porterr.Newf(porterr.KindNotConfigured, "tenant %q has no configured credentials", tenant)
	}
	creds, ok := integrations[integration]
	if !ok {
		return portal.Credentials{}, porterr.Newf(porterr.KindNotConfigured, "tenant %q has no credentials for integration %q", tenant, integration)
	}
	return creds, nil
}

// Watch starts reloading the file on filesystem changes. Stop with Close.
func (d *CredentialDirectory) Watch() error {
	if d.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credentials watcher: %w", err)
	}
	// Watch the directory: editors and secret managers typically replace
	// the file, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch credentials dir: %w", err)
	}
	d.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(d.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := d.reload(); err != nil {
					d.logger.Error().Err(err).Msg("credentials reload failed; keeping previous set")
					continue
				}
				d.logger.Info().Msg("credentials reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Warn().Err(err).Msg("credentials watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (d *CredentialDirectory) Close() error {
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *CredentialDirectory) reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse credentials: %w", err)
	}

	d.mu.Lock()
	d.tenants = file.Tenants
	d.mu.Unlock()
	return nil
}
