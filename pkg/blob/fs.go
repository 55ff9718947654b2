package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

type fsStore struct {
	root string
}

// NewFSStore maps buckets to directories under root and objects to files.
func NewFSStore(root string) (Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}

	return &fsStore{root: root}, nil
}

func (s *fsStore) path(loc Location) (string, error) {
	if err := loc.Validate(); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, loc.Bucket, filepath.FromSlash(loc.Object))
	if !strings.HasPrefix(p, filepath.Join(s.root, loc.Bucket)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes its bucket", ErrInvalidLocation, loc.String())
	}

	return p, nil
}

func (s *fsStore) Download(_ context.Context, loc Location) ([]byte, error) {
	p, err := s.path(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}

	return data, err
}

// Upload writes to a temporary file first so readers never see a partial object.
func (s *fsStore) Upload(_ context.Context, loc Location, data []byte) error {
	p, err := s.path(loc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), p)
}

func (s *fsStore) List(ctx context.Context, prefix Location) ([]string, error) {
	bucketDir := filepath.Join(s.root, prefix.Bucket)
	names := make([]string, 0)
	err := filepath.WalkDir(bucketDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}

			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix.Object) {
			names = append(names, name)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(names)

	return names, nil
}

func (s *fsStore) Exists(_ context.Context, loc Location) (bool, error) {
	p, err := s.path(loc)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
