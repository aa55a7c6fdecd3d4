// Package dagbag loads DAG definition files from a folder into the registry.
package dagbag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/validator"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// FileError records why a single file could not be loaded.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// Result summarizes a folder load.
type Result struct {
	Loaded []*types.DAG
	Errors []*FileError
}

// Loader parses and registers DAG files.
type Loader struct {
	registry  registry.Registry
	validator *validator.Validator
	logger    *slog.Logger
}

// NewLoader creates a loader that registers into reg.
func NewLoader(reg registry.Registry, v *validator.Validator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{registry: reg, validator: v, logger: logger}
}

func isDAGFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir loads every *.yaml, *.yml and *.json file below dir. A bad file is
// recorded in Result.Errors and does not stop the others. The returned error
// is non-nil only when dir itself cannot be walked.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Result, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isDAGFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk dag folder %s: %w", dir, err)
	}
	sort.Strings(files)

	result := &Result{}
	for _, path := range files {
		dags, err := l.LoadFile(ctx, path)
		if err != nil {
			l.logger.Warn("failed to load dag file", slog.String("path", path), slog.Any("error", err))
			result.Errors = append(result.Errors, &FileError{Path: path, Err: err})
			continue
		}
		result.Loaded = append(result.Loaded, dags...)
	}

	l.logger.Info("dag bag loaded",
		slog.String("dir", dir),
		slog.Int("files", len(files)),
		slog.Int("dags", len(result.Loaded)),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// LoadFile parses, validates and registers the DAGs in one file. YAML files
// may hold several documents.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]*types.DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var docs [][]byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		docs = [][]byte{data}
	} else {
		docs, err = yamlToJSON(data)
		if err != nil {
			return nil, err
		}
	}

	var loaded []*types.DAG
	for i, doc := range docs {
		d, err := l.Decode(doc)
		if err != nil {
			return loaded, fmt.Errorf("document %d: %w", i, err)
		}
		registered, err := l.registry.Register(ctx, d)
		if err != nil {
			return loaded, fmt.Errorf("register %s: %w", d.ID, err)
		}
		l.logger.Debug("dag registered",
			slog.String("dag_id", registered.ID),
			slog.Int("version", registered.Version),
			slog.String("path", path),
		)
		loaded = append(loaded, registered)
	}
	return loaded, nil
}

// Decode validates a JSON document against the DAG schema and decodes it.
func (l *Loader) Decode(doc []byte) (*types.DAG, error) {
	if l.validator != nil {
		if err := l.validator.ValidateDAGJSON(doc).Err(); err != nil {
			return nil, err
		}
	}
	var d types.DAG
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode dag: %w", err)
	}
	return &d, nil
}

// DecodeYAML decodes a single-document YAML definition.
func (l *Loader) DecodeYAML(data []byte) (*types.DAG, error) {
	docs, err := yamlToJSON(data)
	if err != nil {
		return nil, err
	}
	if len(docs) != 1 {
		return nil, fmt.Errorf("expected one yaml document, got %d", len(docs))
	}
	return l.Decode(docs[0])
}

// Watch reloads dir every interval until ctx ends. Unchanged files are
// no-ops in the registry; changed ones register a new version.
func (l *Loader) Watch(ctx context.Context, dir string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.LoadDir(ctx, dir); err != nil {
				l.logger.Error("dag bag reload failed", slog.String("dir", dir), slog.Any("error", err))
			}
		}
	}
}

// yamlToJSON converts every non-empty YAML document to JSON.
func yamlToJSON(data []byte) ([][]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs [][]byte
	for {
		var v interface{}
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if v == nil {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		docs = append(docs, b)
	}
	return docs, nil
}
