// Package config loads and saves Tracey's workspace configuration file,
// <root>/.config/tracey/config.styx (spec.md §6). The file is
// YAML-syntax; absence is not an error (spec.md §4.8/§6), following the
// teacher's Load-returns-defaults-on-ENOENT idiom.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/terr"
)

// RelPath is config.styx's path relative to a workspace root.
const RelPath = ".config/tracey/config.styx"

var prefixRe = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Path returns the absolute config file path for the given workspace root.
func Path(root string) string {
	return filepath.Join(root, RelPath)
}

// Load reads and parses the workspace config at root. A missing file
// yields an empty, valid *model.WorkspaceConfig and no error.
func Load(root string, log *logging.Logger) (*model.WorkspaceConfig, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if log != nil {
				log.Info("no config at %s, starting with empty config", path)
			}
			return &model.WorkspaceConfig{}, nil
		}
		return nil, terr.New(terr.Filesystem, terr.CodePermissionDenied, path, 0, "read config: %v", err)
	}

	cfg := &model.WorkspaceConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, terr.New(terr.Configuration, terr.CodeConfigParse, path, 0, "parse config: %v", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("config loaded: %d spec(s)", len(cfg.Specs))
	}
	return cfg, nil
}

// Validate checks structural invariants of a loaded config: prefix
// format, and no two specs sharing a prefix (spec.md §7 Configuration
// errors: "ambiguous prefix collisions").
func Validate(cfg *model.WorkspaceConfig) error {
	seen := make(map[string]string, len(cfg.Specs))
	for _, s := range cfg.Specs {
		if !prefixRe.MatchString(s.Prefix) {
			return terr.New(terr.Configuration, terr.CodeConfigParse, "", 0,
				"spec %q: prefix %q must be 1-8 lowercase alphanumerics", s.Name, s.Prefix)
		}
		if other, dup := seen[s.Prefix]; dup {
			return terr.New(terr.Configuration, terr.CodeConfigParse, "", 0,
				"prefix %q used by both spec %q and spec %q", s.Prefix, other, s.Name)
		}
		seen[s.Prefix] = s.Name
		if len(s.Include) == 0 {
			return terr.New(terr.Configuration, terr.CodeConfigParse, "", 0,
				"spec %q: include must name at least one glob", s.Name)
		}
	}
	return nil
}

// Save re-serializes cfg to root's config.styx, creating parent
// directories as needed.
func Save(root string, cfg *model.WorkspaceConfig) error {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
