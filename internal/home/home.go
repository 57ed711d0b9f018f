package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the pagemill home directory.
	DefaultDirName = ".pagemill"

	// DataDirName is the subdirectory for the record store database.
	DataDirName = "data"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DatabaseFileName is the SQLite record store file.
	DatabaseFileName = "pagemill.db"
)

// Dir represents the pagemill home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.pagemill).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// DatabasePath returns the path to the SQLite record store.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.DataPath(), DatabaseFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{
		d.DataPath(),
		d.SourcesDir(),
		d.PagesDir(),
		d.ThumbsDir(),
		d.OutputsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// SourcesDir returns the directory for imported source files.
func (d *Dir) SourcesDir() string {
	return filepath.Join(d.path, "sources")
}

// SourcePath returns the path to an imported source file's raw bytes.
func (d *Dir) SourcePath(sourceID string) string {
	return filepath.Join(d.SourcesDir(), sourceID)
}

// PagesDir returns the directory for rendered page images.
func (d *Dir) PagesDir() string {
	return filepath.Join(d.path, "pages")
}

// PageImagePath returns the path to a rendered page image.
func (d *Dir) PageImagePath(pageID, format string) string {
	return filepath.Join(d.PagesDir(), fmt.Sprintf("%s.%s", pageID, format))
}

// ThumbsDir returns the directory for page thumbnails.
func (d *Dir) ThumbsDir() string {
	return filepath.Join(d.path, "thumbs")
}

// ThumbPath returns the path to a page thumbnail.
func (d *Dir) ThumbPath(pageID string) string {
	return filepath.Join(d.ThumbsDir(), pageID+".png")
}

// OutputsDir returns the directory for generated artifacts.
func (d *Dir) OutputsDir() string {
	return filepath.Join(d.path, "outputs")
}

// OutputPath returns the path for a generated artifact of a page.
func (d *Dir) OutputPath(pageID, format string) string {
	return filepath.Join(d.OutputsDir(), fmt.Sprintf("%s.%s", pageID, format))
}
