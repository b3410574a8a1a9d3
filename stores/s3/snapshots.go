package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"collab-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

const updatedAtMeta = "updated-at"

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// PathStyle is needed by most S3-compatible servers such as MinIO.
	PathStyle bool
}

type snapshotStore struct {
	client API
	bucket string
	prefix string
}

// NewSnapshotStore builds a client from the default AWS credential chain.
func NewSnapshotStore(ctx context.Context, opts Options) (core.SnapshotStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 store needs a bucket", core.ErrInvalidArgument)
	}
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return NewSnapshotStoreWithClient(client, opts.Bucket, opts.Prefix), nil
}

func NewSnapshotStoreWithClient(client API, bucket, prefix string) core.SnapshotStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &snapshotStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *snapshotStore) sessionPrefix(sessionID string) string {
	return s.prefix + sessionID + "/"
}

func (s *snapshotStore) objectKey(sessionID, fileID string) string {
	return s.sessionPrefix(sessionID) + base64.RawURLEncoding.EncodeToString([]byte(fileID))
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func (s *snapshotStore) SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte) error {
	if err := core.ValidateSnapshotKey(sessionID, fileID); err != nil {
		return err
	}
	key := s.objectKey(sessionID, fileID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(state),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			updatedAtMeta: strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}
	logrus.WithFields(logrus.Fields{
		"document_id": core.DocumentKey(sessionID, fileID),
		"key":         key,
		"data_length": len(state),
	}).Debug("Snapshot saved")
	return nil
}

func (s *snapshotStore) fetch(ctx context.Context, sessionID, fileID string) (*core.DocumentSnapshot, error) {
	key := s.objectKey(sessionID, fileID)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, core.DocumentKey(sessionID, fileID))
		}
		return nil, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}
	defer resp.Body.Close()

	state, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}
	updatedAt, _ := strconv.ParseInt(resp.Metadata[updatedAtMeta], 10, 64)
	if updatedAt == 0 && resp.LastModified != nil {
		updatedAt = resp.LastModified.UnixMilli()
	}
	return &core.DocumentSnapshot{
		ID:        core.DocumentKey(sessionID, fileID),
		SessionID: sessionID,
		FileID:    fileID,
		State:     state,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *snapshotStore) GetSnapshot(ctx context.Context, sessionID, fileID string) (*core.DocumentSnapshot, error) {
	if core.ValidateSnapshotKey(sessionID, fileID) != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, core.DocumentKey(sessionID, fileID))
	}
	return s.fetch(ctx, sessionID, fileID)
}

// keys lists every object under prefix.
func (s *snapshotStore) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}
	return keys, nil
}

func (s *snapshotStore) LoadSnapshots(ctx context.Context, sessionID string) ([]core.DocumentSnapshot, error) {
	snapshots := []core.DocumentSnapshot{}
	if core.ValidateSnapshotKey(sessionID, "-") != nil {
		return snapshots, nil
	}
	prefix := s.sessionPrefix(sessionID)
	keys, err := s.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	log := logrus.WithField("session_id", sessionID)
	for _, key := range keys {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, prefix))
		if err != nil {
			log.WithError(err).Warnf("Skipping foreign object %s", key)
			continue
		}
		snapshot, err := s.fetch(ctx, sessionID, string(raw))
		if err != nil {
			if errors.Is(err, core.ErrSnapshotNotFound) {
				continue
			}
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].FileID < snapshots[j].FileID })
	return snapshots, nil
}

func (s *snapshotStore) DeleteSnapshots(ctx context.Context, sessionID string) error {
	if err := core.ValidateSnapshotKey(sessionID, "-"); err != nil {
		return err
	}
	keys, err := s.keys(ctx, s.sessionPrefix(sessionID))
	if err != nil {
		return err
	}

	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(key)})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids},
		}); err != nil {
			return fmt.Errorf("failed to delete snapshots of %s: %w", sessionID, err)
		}
	}
	logrus.WithFields(logrus.Fields{"session_id": sessionID, "deleted": len(keys)}).Debug("Snapshots deleted")
	return nil
}

func (s *snapshotStore) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, common := range page.CommonPrefixes {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(common.Prefix), s.prefix), "/")
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
