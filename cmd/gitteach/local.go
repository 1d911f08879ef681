package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mauro3422/gitteach/internal/content"
)

// maxLocalFileBytes skips files too large to be useful prompt material.
const maxLocalFileBytes = 256 * 1024

// loadLocalProvider treats each subdirectory of root as one repository and
// serves its text files through a static content provider.
func loadLocalProvider(root string) (content.Provider, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory %s: %w", root, err)
	}

	provider := content.NewStaticProvider()
	repos := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files, err := collectFiles(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		provider.AddRepo(content.RepoInfo{Name: entry.Name()}, files)
		repos++
	}
	if repos == 0 {
		return nil, fmt.Errorf("no repositories found under %s", root)
	}
	return provider, nil
}

func collectFiles(repoDir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxLocalFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if !utf8.Valid(data) {
			return nil // binary
		}
		rel, err := filepath.Rel(repoDir, path)
		if err != nil {
			return nil
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", repoDir, err)
	}
	return files, nil
}
