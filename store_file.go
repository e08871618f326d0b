package taskflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/taskflow/tabular"
)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// Path is the path template, e.g. "out/{sample}.csv". Its extension
	// selects the table format unless Format is set.
	Path string

	// Format overrides the extension-derived format.
	Format string

	// Shape is the Go type values are written and read as. Defaults to
	// tabular.ShapeTable.
	Shape tabular.Shape

	Logger *slog.Logger
}

// FileStore is a Store that keeps tables in files, one file per resolved
// path. Read returns values of the same shape Write accepts.
type FileStore struct {
	template string
	codec    tabular.Codec
	shape    tabular.Shape
	logger   *slog.Logger
}

// NewFileStore returns a file store for the given options. An unsupported
// format is rejected here rather than at read or write time.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("file store path required")
	}
	if _, err := TemplateFields(opts.Path); err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		format = filepath.Ext(opts.Path)
		if strings.ContainsAny(format, "{}") {
			return nil, fmt.Errorf("file store path %q: extension cannot contain placeholders", opts.Path)
		}
	}
	if format == "" {
		return nil, fmt.Errorf("file store path %q has no extension", opts.Path)
	}
	codec, err := tabular.CodecFor(format)
	if err != nil {
		return nil, err
	}
	shape, err := tabular.ParseShape(string(opts.Shape))
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileStore{template: opts.Path, codec: codec, shape: shape, logger: opts.Logger}, nil
}

// Template returns the path template
func (s *FileStore) Template() string {
	return s.template
}

// Shape returns the Go type values are stored as.
func (s *FileStore) Shape() tabular.Shape {
	return s.shape
}

func (s *FileStore) Read(ctx context.Context, subs map[string]any) (any, error) {
	path, err := s.resolve(subs)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("reading checkpoint", "path", path, "format", s.codec.Format())
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}
	defer f.Close()

	table, err := s.codec.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return s.shape.Decode(table), nil
}

func (s *FileStore) Write(ctx context.Context, subs map[string]any, value any) error {
	table, err := s.shape.Encode(value)
	if err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	path, err := s.resolve(subs)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := s.codec.Encode(tmp, table); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	s.logger.Debug("wrote checkpoint", "path", path, "rows", table.Len())
	return nil
}

// resolve expands the path template. Substituted values are single path
// elements: they may not contain separators or be "." or "..".
func (s *FileStore) resolve(subs map[string]any) (string, error) {
	fields, err := TemplateFields(s.template)
	if err != nil {
		return "", err
	}
	for _, name := range fields {
		value, ok := subs[name]
		if !ok {
			continue
		}
		elem := fmt.Sprint(value)
		if elem == "" || elem == "." || elem == ".." || strings.ContainsAny(elem, `/\`) {
			return "", fmt.Errorf("path template %q: value %q for placeholder %q is not a valid path element",
				s.template, elem, name)
		}
	}
	return ResolvePath(s.template, subs)
}

func (s *FileStore) String() string {
	return fmt.Sprintf("FileStore(%s)", s.template)
}
