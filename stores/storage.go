package stores

import (
	"context"
	"fmt"

	"collab-server/config"
	"collab-server/core"
	"collab-server/stores/filesystem"
	"collab-server/stores/memory"
	"collab-server/stores/redis"
	"collab-server/stores/s3"
	"collab-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore builds the snapshot store selected by cfg.Type.
func GetStore(ctx context.Context, cfg config.Storage) (core.SnapshotStore, error) {
	var (
		store core.SnapshotStore
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	switch cfg.Type {
	case "filesystem":
		storageField["basePath"] = cfg.LocalPath
		store, err = filesystem.NewSnapshotStore(cfg.LocalPath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewSnapshotStore(cfg.DataSourceName)
	case "s3":
		storageField["bucket"] = cfg.S3Bucket
		store, err = s3.NewSnapshotStore(ctx, s3.Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case "redis":
		storageField["addr"] = cfg.RedisAddr
		store, err = redis.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redis.WithPrefix(cfg.RedisPrefix))
	case "memory", "":
		store = memory.NewSnapshotStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", core.ErrInvalidArgument, cfg.Type)
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
