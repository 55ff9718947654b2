package blob

import (
	"context"
	"fmt"
)

type Config struct {
	Type   string    `env:"TYPE"    envDefault:"fs"`
	FSRoot string    `env:"FS_ROOT" envDefault:"./data/blobs"`
	S3     S3Config  `envPrefix:"S3_"`
	GCS    GCSConfig `envPrefix:"GCS_"`
}

func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "fs":
		return NewFSStore(cfg.FSRoot)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", cfg.Type)
	}
}
