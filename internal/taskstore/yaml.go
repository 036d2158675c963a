package taskstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedFromDir imports every task definition YAML file under dir into the
// store. Files are one task per file; unknown fields are rejected so typos
// in a rubric do not silently vanish. Returns the number of tasks imported.
func SeedFromDir(ctx context.Context, store Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("taskstore: read task dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := loadDefinition(path)
		if err != nil {
			return count, err
		}
		if err := store.Upsert(ctx, def); err != nil {
			return count, fmt.Errorf("taskstore: import %s: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}

func isYAML(entry fs.DirEntry) bool {
	ext := strings.ToLower(filepath.Ext(entry.Name()))
	return ext == ".yaml" || ext == ".yml"
}

func loadDefinition(path string) (*TaskDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var def TaskDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("taskstore: parse %s: %w", path, err)
	}
	return &def, nil
}
