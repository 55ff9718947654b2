package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	// Endpoint targets an emulator such as fake-gcs-server; it disables authentication.
	Endpoint string `env:"ENDPOINT"`
}

type gcsStore struct {
	client *storage.Client
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (Store, error) {
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &gcsStore{client: client}, nil
}

func (s *gcsStore) Download(ctx context.Context, loc Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(loc.Bucket).Object(loc.Object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
		}

		return nil, fmt.Errorf("gcs get %s: %w", loc, err)
	}
	defer r.Close()

	return io.ReadAll(r)
}

func (s *gcsStore) Upload(ctx context.Context, loc Location, data []byte) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	w := s.client.Bucket(loc.Bucket).Object(loc.Object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()

		return fmt.Errorf("gcs put %s: %w", loc, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: %w", loc, err)
	}

	return nil
}

func (s *gcsStore) List(ctx context.Context, prefix Location) ([]string, error) {
	names := make([]string, 0)
	it := s.client.Bucket(prefix.Bucket).Objects(ctx, &storage.Query{Prefix: prefix.Object})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	slices.Sort(names)

	return names, nil
}

func (s *gcsStore) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := s.client.Bucket(loc.Bucket).Object(loc.Object).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("gcs attrs %s: %w", loc, err)
	}
}
