package hostfunc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const defaultMaxFileSize = 10 << 20

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxFileSize caps the size of files returned by Read.
func WithMaxFileSize(size int64) FSOption {
	return func(f *FS) {
		if size > 0 {
			f.maxFileSize = size
		}
	}
}

// WithMaxPathLength caps the length of requested paths.
func WithMaxPathLength(n int) FSOption {
	return func(f *FS) {
		if n > 0 {
			f.maxPathLength = n
		}
	}
}

// FS gives scripts read-only access to a single directory tree, usually the
// directory holding the script itself. Paths are interpreted relative to the
// root; absolute paths are treated as rooted there too.
type FS struct {
	root          string
	maxFileSize   int64
	maxPathLength int
}

// NewFS creates a read-only filesystem rooted at root.
func NewFS(root string, opts ...FSOption) *FS {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	f := &FS{root: abs, maxFileSize: defaultMaxFileSize, maxPathLength: 4096}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register installs the filesystem functions on r.
func (f *FS) Register(r *Registry) {
	r.Register("fs_read", f.Read)
	r.Register("fs_exists", f.Exists)
}

// resolve maps a script path to a host path inside the root.
func (f *FS) resolve(path string) (string, error) {
	if len(path) > f.maxPathLength {
		return "", errors.New("path too long")
	}
	rel := filepath.Clean("/" + filepath.ToSlash(path))
	hostPath := filepath.Join(f.root, rel)

	// Join cleans away "..", so anything outside the root was an escape.
	if hostPath != f.root && !strings.HasPrefix(hostPath, f.root+string(filepath.Separator)) {
		return "", errors.New("permission denied: path escape attempt")
	}
	return hostPath, nil
}

func pathArg(args map[string]any) (string, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return "", errors.New("path required")
	}
	return path, nil
}

// Read returns the contents of a file.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("read error: " + err.Error())
	}
	if info.IsDir() {
		return nil, errors.New("is a directory: " + path)
	}
	if info.Size() > f.maxFileSize {
		return nil, errors.New("file too large: " + path)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

// Exists reports whether a path exists. Paths outside the root never exist.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}
