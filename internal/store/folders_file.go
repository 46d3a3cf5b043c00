package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// foldersFile is the on-disk shape of a folder-configuration seed file.
type foldersFile struct {
	Folders []FolderConfig `yaml:"folders"`
}

// ImportFolderConfigs reads a YAML folder-configuration file and upserts
// its entries into the store. Existing IDs are overwritten, so the file
// is the source of truth for deployments that manage folders
// declaratively.
func (s *Store) ImportFolderConfigs(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading folders file: %w", err)
	}

	var ff foldersFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return 0, fmt.Errorf("parsing folders file: %w", err)
	}

	for i, fc := range ff.Folders {
		if fc.ID == "" {
			return 0, fmt.Errorf("folders file entry %d: id is required", i+1)
		}

		if fc.LocalPath == "" {
			return 0, fmt.Errorf("folder %q: local_path is required", fc.ID)
		}

		abs, err := filepath.Abs(fc.LocalPath)
		if err != nil {
			return 0, fmt.Errorf("folder %q: resolving local_path: %w", fc.ID, err)
		}

		fc.LocalPath = abs

		if err := s.SaveFolderConfig(fc); err != nil {
			return 0, fmt.Errorf("saving folder %q: %w", fc.ID, err)
		}
	}

	return len(ff.Folders), nil
}
