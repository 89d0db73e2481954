package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/model"
)

func TestLoadMissingConfigReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	require.Empty(t, cfg.Specs)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := &model.WorkspaceConfig{
		Specs: []model.SpecConfig{{
			Name:    "Auth",
			Prefix:  "auth",
			Include: []string{"docs/**/*.md"},
			Impls: []model.ImplConfig{{
				Name:    "rust",
				Include: []string{"src/**/*.rs"},
			}},
		}},
	}
	require.NoError(t, Save(dir, cfg))

	loaded, err := Load(dir, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Specs, 1)
	require.Equal(t, "auth", loaded.Specs[0].Prefix)
	require.FileExists(t, filepath.Join(dir, RelPath))
}

func TestValidateRejectsDuplicatePrefix(t *testing.T) {
	cfg := &model.WorkspaceConfig{
		Specs: []model.SpecConfig{
			{Name: "A", Prefix: "x", Include: []string{"a/**"}},
			{Name: "B", Prefix: "x", Include: []string{"b/**"}},
		},
	}
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsBadPrefix(t *testing.T) {
	cfg := &model.WorkspaceConfig{
		Specs: []model.SpecConfig{{Name: "A", Prefix: "Too-Long-Prefix", Include: []string{"a/**"}}},
	}
	require.Error(t, Validate(cfg))
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".config", "tracey"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RelPath), []byte("specs: [this is not valid: yaml:::"), 0o644))
	_, err := Load(dir, nil)
	require.Error(t, err)
}
