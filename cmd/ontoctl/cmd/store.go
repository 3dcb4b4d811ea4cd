package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/storage"
	"github.com/ontograph/ontograph/storage/objectstore"
	"github.com/ontograph/ontograph/storage/sqlitestore"
)

// openEngine dispatches a `sqlite:///<path>` / bare `<path>` / `s3://bucket/prefix`
// connection string (spec §6 "Connection strings") to the matching
// storage.Engine, opening it for namespace use. Credentials for the
// object-store backend come from the environment / shared AWS config file
// the same way config.LoadDefaultConfig in storage/objectstore/client.go
// always has — ontoctl never accepts them as flags.
func openEngine(ctx context.Context, dsn, namespace string, ifNotExists bool) (storage.Engine, error) {
	logger := newLogger()
	switch {
	case strings.HasPrefix(dsn, "s3://"):
		bucket, prefix, err := objectstore.ParseDSN(dsn)
		if err != nil {
			return nil, usageErrorf("invalid object-store dsn %q: %w", dsn, err)
		}
		client, err := objectstore.NewS3Client(ctx, objectstore.ClientConfig{
			Endpoint:     os.Getenv("ONTOGRAPH_S3_ENDPOINT"),
			Region:       os.Getenv("ONTOGRAPH_S3_REGION"),
			AccessKey:    os.Getenv("ONTOGRAPH_S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("ONTOGRAPH_S3_SECRET_KEY"),
			Bucket:       bucket,
			Prefix:       prefix,
			UsePathStyle: os.Getenv("ONTOGRAPH_S3_PATH_STYLE") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("ontoctl: building s3 client: %w", err)
		}
		st := objectstore.New(client, bucket, prefix, namespace, logger)
		if err := st.Open(ctx, storage.Options{Namespace: namespace, IfNotExists: ifNotExists}); err != nil {
			return nil, err
		}
		return st, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		return openSQLite(ctx, path, namespace, ifNotExists, logger)
	default:
		return openSQLite(ctx, dsn, namespace, ifNotExists, logger)
	}
}

func openSQLite(ctx context.Context, path, namespace string, ifNotExists bool, logger *zap.Logger) (storage.Engine, error) {
	st, err := sqlitestore.Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Open(ctx, storage.Options{Namespace: namespace, IfNotExists: ifNotExists}); err != nil {
		return nil, err
	}
	return st, nil
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
