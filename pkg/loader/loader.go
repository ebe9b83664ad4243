// Package loader reads entity declarations from YAML files and Go source files
// and turns them into registry metadata, for tools that have no compiled models.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// ModelRegistrar is an interface for registering entity metadata
type ModelRegistrar interface {
	RegisterMetadata(metas ...*schema.EntityMetadata) error
}

// ParseFile reads the declarations of one .yaml, .yml or .go file.
func ParseFile(path string) ([]Entity, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return ParseYAML(data)
	case ".go":
		return ParseGo(path, nil)
	default:
		return nil, fmt.Errorf("unsupported declaration file %s: expected .yaml, .yml or .go", path)
	}
}

// LoadFile builds the metadata of the entities declared in one file.
func LoadFile(path string) ([]*schema.EntityMetadata, error) {
	decls, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Build(decls)
}

// LoadDir builds the metadata of the entities declared in every .yaml, .yml
// and .go file below dir, skipping tests.
func LoadDir(dir string) ([]*schema.EntityMetadata, error) {
	files, err := declarationFiles(dir)
	if err != nil {
		return nil, err
	}

	var decls []Entity
	for _, file := range files {
		d, err := ParseFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load models from %s: %w", file, err)
		}
		decls = append(decls, d...)
	}
	return Build(decls)
}

// LoadPath dispatches to LoadFile or LoadDir.
func LoadPath(path string) ([]*schema.EntityMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// LoadModelsFromPath scans a file or directory for entity declarations and
// registers them using the provided registrar. Entities are registered in one
// call so they may reference each other across files.
func LoadModelsFromPath(path string, registrar ModelRegistrar) (int, error) {
	metas, err := LoadPath(path)
	if err != nil {
		return 0, err
	}
	if err := registrar.RegisterMetadata(metas...); err != nil {
		return 0, fmt.Errorf("failed to register models: %w", err)
	}
	return len(metas), nil
}

func declarationFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, "_test.go"):
		case strings.HasSuffix(name, ".go"), strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no declaration files found in %s", dir)
	}
	return files, nil
}
