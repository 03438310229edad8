package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := Load()

	req.NoError(err)
	req.Equal(DefaultSettings(), s)
}

func TestSaveThenLoad(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	// Given saved settings
	want := DefaultSettings()
	want.Username = "alice"
	want.Channel = "#random"
	req.NoError(Save(want))

	// When loading
	got, err := Load()

	// Then they come back and live under the app directory
	req.NoError(err)
	req.Equal(want, got)
	req.FileExists(filepath.Join(dir, appDir, "config.json"))
}

func TestLoad_PartialAndInvalidFiles(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, appDir, "config.json")
	req.NoError(os.MkdirAll(filepath.Dir(path), 0755))

	// missing fields keep their defaults
	req.NoError(os.WriteFile(path, []byte(`{"username":"bob"}`), 0644))
	s, err := Load()
	req.NoError(err)
	req.Equal("bob", s.Username)
	req.Equal(DefaultSettings().Tracker, s.Tracker)

	// garbage falls back to defaults
	req.NoError(os.WriteFile(path, []byte(`{`), 0644))
	s, err = Load()
	req.NoError(err)
	req.Equal(DefaultSettings(), s)
}
