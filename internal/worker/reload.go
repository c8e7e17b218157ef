// internal/worker/reload.go
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/task"
)

// RoleFromConfig builds a validated role from its configuration form.
func RoleFromConfig(rc config.RoleConfig) (*Role, error) {
	role := &Role{
		Name:    rc.Name,
		Domains: append([]string(nil), rc.Domains...),
		Atomic:  rc.Atomic,
	}
	role.Boundary.Allow = append([]string(nil), rc.Allow...)
	role.Boundary.Deny = append([]string(nil), rc.Deny...)
	for _, cap := range rc.Capabilities {
		role.Boundary.Capabilities = append(role.Boundary.Capabilities, task.MutationKind(cap))
	}
	role.Strategies.Analysis = rc.Strategies.Analysis
	role.Strategies.Investigate = rc.Strategies.Investigate
	role.Strategies.Consensus = rc.Strategies.Consensus

	if err := role.Validate(); err != nil {
		return nil, err
	}
	return role, nil
}

// LoadRolesFile parses a standalone roles YAML file.
func LoadRolesFile(path string) ([]*Role, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}

	var parsed struct {
		Roles []config.RoleConfig `koanf:"roles"`
	}
	if err := k.Unmarshal("", &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles file: %w", err)
	}
	if len(parsed.Roles) == 0 {
		return nil, fmt.Errorf("roles file %s defines no roles", path)
	}

	roles := make([]*Role, 0, len(parsed.Roles))
	for _, rc := range parsed.Roles {
		role, err := RoleFromConfig(rc)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// Watcher reloads role definitions when the roles file changes.
// Learned deny entries survive a reload: ReplaceRole carries the old
// definition's deny list onto the incoming one.
type Watcher struct {
	registry *Registry
	path     string
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given roles file.
func NewWatcher(registry *Registry, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors and config management tools replace
	// the file, which drops a watch set on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		registry: registry,
		path:     path,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Run processes file events until the context is cancelled. A reload
// that fails to parse leaves the current roles in force.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	// Coalesce bursts of events from a single rewrite.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("roles watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	roles, err := LoadRolesFile(w.path)
	if err != nil {
		w.logger.Error("roles reload rejected, keeping current roles",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	applied := 0
	for _, role := range roles {
		if err := w.registry.ReplaceRole(role); err != nil {
			w.logger.Error("role replacement failed",
				zap.String("role", role.Name), zap.Error(err))
			continue
		}
		applied++
	}
	w.logger.Info("roles reloaded",
		zap.String("path", w.path),
		zap.Int("applied", applied),
		zap.Int("total", len(roles)))
}
