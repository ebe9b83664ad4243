package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// File is a migration stored on disk as an up and a down script.
type File struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// Generator writes schema DDL to timestamped migration files.
type Generator struct {
	dir     string
	planner *Planner
	now     func() time.Time
}

// NewGenerator creates a generator writing into dir.
func NewGenerator(dir string, planner *Planner) *Generator {
	return &Generator{dir: dir, planner: planner, now: time.Now}
}

// Generate writes the creation of s as the up script and its removal as the down
// script.
func (g *Generator) Generate(name string, s *Schema) (*File, error) {
	return g.write(name, g.planner.CreateStatements(s), g.planner.DropStatements(s))
}

// GenerateEmpty writes empty scripts for manual editing.
func (g *Generator) GenerateEmpty(name string) (*File, error) {
	return g.write(name, nil, nil)
}

func (g *Generator) write(name string, up, down []string) (*File, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	version := g.now().UTC().Format("20060102150405")
	file := &File{
		Version:  version,
		Name:     name,
		UpPath:   filepath.Join(g.dir, GenerateFileName(version, name, "up")),
		DownPath: filepath.Join(g.dir, GenerateFileName(version, name, "down")),
	}

	header := fmt.Sprintf("-- Migration: %s\n-- Dialect: %s\n-- Version: %s\n\n", name, g.planner.Dialect().Name(), version)
	if err := os.WriteFile(file.UpPath, []byte(header+Script(up)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write up migration: %w", err)
	}
	if err := os.WriteFile(file.DownPath, []byte(header+Script(down)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write down migration: %w", err)
	}
	return file, nil
}

// List returns the migrations of the directory that have both scripts, ordered
// by version.
func (g *Generator) List() ([]File, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[string]*File)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		path := filepath.Join(g.dir, entry.Name())
		if name, ok := strings.CutSuffix(rest, ".up.sql"); ok {
			file(byVersion, version, name).UpPath = path
		} else if name, ok := strings.CutSuffix(rest, ".down.sql"); ok {
			file(byVersion, version, name).DownPath = path
		}
	}

	var files []File
	for _, f := range byVersion {
		if f.UpPath != "" && f.DownPath != "" {
			files = append(files, *f)
		}
	}
	slices.SortFunc(files, func(a, b File) int { return strings.Compare(a.Version, b.Version) })
	return files, nil
}

func file(files map[string]*File, version, name string) *File {
	f, ok := files[version]
	if !ok {
		f = &File{Version: version, Name: name}
		files[version] = f
	}
	return f
}

// Read loads the statements of f.
func (g *Generator) Read(f File) (*Migration, error) {
	up, err := os.ReadFile(f.UpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read up migration: %w", err)
	}
	down, err := os.ReadFile(f.DownPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read down migration: %w", err)
	}
	return &Migration{
		Version: f.Version,
		Name:    f.Name,
		Up:      SplitSQL(string(up)),
		Down:    SplitSQL(string(down)),
	}, nil
}

// SplitSQL splits a script into statements on semicolons, dropping comment lines.
// Statements must not contain semicolons in literals.
func SplitSQL(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var statements []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
