// Package blob defines the object storage collaborator used by the workers and
// the collector, plus a handful of backends.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidLocation = errors.New("invalid blob location")
)

// Location addresses a single object, or a prefix when used with List.
type Location struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Object
}

func (l Location) IsZero() bool {
	return l.Bucket == "" && l.Object == ""
}

func (l Location) Validate() error {
	if l.Bucket == "" || l.Object == "" {
		return fmt.Errorf("%w: %q", ErrInvalidLocation, l.String())
	}

	return nil
}

// Join returns the location of name under the prefix l.
func (l Location) Join(name string) Location {
	prefix := l.Object
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return Location{Bucket: l.Bucket, Object: prefix + name}
}

// ParseLocation parses the "bucket/object" form produced by Location.String.
func ParseLocation(s string) (Location, error) {
	bucket, object, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || object == "" {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidLocation, s)
	}

	return Location{Bucket: bucket, Object: object}, nil
}

type Store interface {
	Download(ctx context.Context, loc Location) ([]byte, error)
	Upload(ctx context.Context, loc Location, data []byte) error
	// List returns the full object names found under prefix, sorted.
	List(ctx context.Context, prefix Location) ([]string, error)
	Exists(ctx context.Context, loc Location) (bool, error)
}
