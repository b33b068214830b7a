package workflow

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LoadedFile bundles a parsed definition with its source path and checksum,
// the way station's Loader tracks WorkflowFile for change detection.
type LoadedFile struct {
	FilePath   string
	Definition *Workflow
	Checksum   string
	Validation ValidationResult
}

// LoadError records a single file's failure during a directory scan so one
// bad file doesn't abort loading the rest.
type LoadError struct {
	FilePath string
	Err      error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.FilePath, e.Err)
}

// LoadResult is the outcome of scanning a directory of workflow files.
type LoadResult struct {
	Files  []*LoadedFile
	Errors []LoadError
}

// Loader reads workflow definitions from an afero.Fs, defaulting to the OS
// filesystem but swappable for an in-memory one in tests.
type Loader struct {
	fs  afero.Fs
	dir string
}

// NewLoader builds a Loader against the real OS filesystem.
func NewLoader(dir string) *Loader {
	return &Loader{fs: afero.NewOsFs(), dir: dir}
}

// NewLoaderWithFs builds a Loader against a caller-supplied afero.Fs.
func NewLoaderWithFs(fs afero.Fs, dir string) *Loader {
	return &Loader{fs: fs, dir: dir}
}

// LoadAll globs every *.workflow.{yaml,yml,json} file under the configured
// directory and parses+validates each one independently.
func (l *Loader) LoadAll() (*LoadResult, error) {
	result := &LoadResult{}

	exists, err := afero.DirExists(l.fs, l.dir)
	if err != nil {
		return nil, fmt.Errorf("checking workflows dir: %w", err)
	}
	if !exists {
		return result, nil
	}

	var files []string
	for _, pattern := range []string{"*.workflow.yaml", "*.workflow.yml", "*.workflow.json"} {
		matches, err := afero.Glob(l.fs, filepath.Join(l.dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}

	for _, path := range files {
		f, err := l.LoadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, LoadError{FilePath: path, Err: err})
			continue
		}
		result.Files = append(result.Files, f)
	}
	return result, nil
}

// LoadFile parses, checksums, and validates a single workflow file.
func (l *Loader) LoadFile(path string) (*LoadedFile, error) {
	content, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var wf Workflow
	if err := yaml.Unmarshal(content, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	sum := md5.Sum(content)
	validation, err := ValidateDefinition(&wf)
	if err != nil {
		return &LoadedFile{FilePath: path, Definition: &wf, Checksum: hex.EncodeToString(sum[:]), Validation: validation}, err
	}

	return &LoadedFile{
		FilePath:   path,
		Definition: &wf,
		Checksum:   hex.EncodeToString(sum[:]),
		Validation: validation,
	}, nil
}
