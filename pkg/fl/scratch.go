package fl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// scratch spills session state to a local directory. Every session of an
// engine writes the same files, which is why only one may be open.
type scratch struct {
	dir string
	mu  sync.RWMutex
}

func newScratch(dir string) (*scratch, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	return &scratch{dir: dir}, nil
}

func (s *scratch) path(name string) (string, error) {
	sanitized := sanitizeName(name)
	if sanitized == "" {
		return "", fmt.Errorf("invalid scratch file name: %q", name)
	}

	return filepath.Join(s.dir, sanitized+".cbor"), nil
}

func (s *scratch) save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return os.Rename(tmp, file)
}

// load decodes name into v. A missing file leaves v untouched.
func (s *scratch) load(name string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}

	return nil
}

// clear removes every file in the scratch directory.
func (s *scratch) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// sanitizeName keeps only characters that are safe in a file name.
func sanitizeName(name string) string {
	result := strings.ReplaceAll(name, "..", "")
	var final strings.Builder
	for _, r := range result {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			final.WriteRune(r)
		}
	}

	return final.String()
}
