// Package prompt loads and renders the templates sent to the LLM.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Placeholders understood by the optimization and sampling templates.
const (
	VariableNames = "<<VARIABLE_NAMES>>"
	Ranges        = "<<RANGES>>"
	History       = "<<HISTORY>>"
	Best          = "<<BEST>>"
	OutputSchema  = "<<OUTPUT_SCHEMA>>"
	NumPoints     = "<<NUM_POINTS>>"
)

// Names of the embedded default templates.
const (
	DefaultOptimize = "optimize.md"
	DefaultInit     = "init.md"
)

//go:embed templates/*.md
var builtin embed.FS

// ErrNotFound is returned when no template exists at a path.
var ErrNotFound = errors.New("prompt: template not found")

// ErrOutsideDir is returned for a path that leaves the template directory.
var ErrOutsideDir = errors.New("prompt: template path outside template directory")

// Loader returns template text by path.
type Loader interface {
	Load(path string) (string, error)
}

// FSLoader reads templates from a file system.
type FSLoader struct {
	FS fs.FS
}

// Load implements Loader.
func (l FSLoader) Load(path string) (string, error) {
	b, err := fs.ReadFile(l.FS, filepath.ToSlash(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	return string(b), nil
}

// Builtin serves the embedded default templates by base name.
func Builtin() Loader {
	sub, err := fs.Sub(builtin, "templates")
	if err != nil {
		panic(err)
	}
	return FSLoader{FS: sub}
}

// DirLoader reads templates from disk below Dir (the working directory
// when empty). Paths that leave Dir are rejected with ErrOutsideDir unless
// AnyPath is set, in which case absolute paths are read as given. When
// nothing exists on disk the base name is looked up among the embedded
// defaults.
type DirLoader struct {
	Dir     string
	AnyPath bool
}

// Load implements Loader.
func (l DirLoader) Load(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	b, err := l.read(path)
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if text, berr := Builtin().Load(filepath.Base(path)); berr == nil {
		return text, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

func (l DirLoader) read(path string) ([]byte, error) {
	dir := l.Dir
	if dir == "" {
		dir = "."
	}
	if l.AnyPath {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return os.ReadFile(path)
	}
	if !filepath.IsLocal(path) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideDir, path)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	// Symlinks that escape dir fail here too.
	f, err := root.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Static is an in-memory Loader.
type Static map[string]string

// Load implements Loader.
func (s Static) Load(path string) (string, error) {
	text, ok := s[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return text, nil
}

// Render replaces every placeholder in vars. Unknown placeholders are left
// untouched.
func Render(tpl string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
