package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/common/config"
	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
)

// Store wraps an S3-compatible object store holding session workspaces,
// execution artifacts and spilled output logs.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *logger.Logger
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// New builds a Store from the artifact configuration. The endpoint is
// any S3-compatible server (MinIO in development, S3 in production).
func New(ctx context.Context, cfg config.ArtifactsConfig, log *logger.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, apperrors.ArtifactStoreError("load object store config", err, false)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// MinIO and most self-hosted stores require path-style addressing.
		o.UsePathStyle = true
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  log.WithFields(zap.String("component", "artifact-store")),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return apperrors.ArtifactStoreError(fmt.Sprintf("create bucket %s", s.bucket), err, true)
	}
	s.logger.Info("Created artifact bucket", zap.String("bucket", s.bucket))
	return nil
}

// Put uploads an object and returns its hex-encoded SHA-256 checksum.
func (s *Store) Put(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	sum := sha256.Sum256(data)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", apperrors.ArtifactStoreError(fmt.Sprintf("put %s", key), err, true)
	}
	return hex.EncodeToString(sum[:]), nil
}

// PutStream uploads an object of known size from a reader.
func (s *Store) PutStream(ctx context.Context, key string, body io.Reader, size int64, mimeType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return apperrors.ArtifactStoreError(fmt.Sprintf("put %s", key), err, true)
	}
	return nil
}

// Get opens an object for reading. The caller closes the returned body.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, apperrors.NotFound("artifact", key)
		}
		return nil, apperrors.ArtifactStoreError(fmt.Sprintf("get %s", key), err, true)
	}
	return out.Body, nil
}

// PresignGet returns a time-limited download URL for an object.
func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", apperrors.ArtifactStoreError(fmt.Sprintf("presign %s", key), err, true)
	}
	return req.URL, nil
}

// List returns all objects under a key prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.ArtifactStoreError(fmt.Sprintf("list %s", prefix), err, true)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// DeleteAll removes every object under a key prefix. Deleting an empty
// prefix succeeds, so repeated cleanup of the same session is safe.
func (s *Store) DeleteAll(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return apperrors.ArtifactStoreError(fmt.Sprintf("list %s", prefix), err, true)
		}
		if len(page.Contents) == 0 {
			continue
		}
		identifiers := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			identifiers = append(identifiers, s3types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return apperrors.ArtifactStoreError(fmt.Sprintf("delete under %s", prefix), err, true)
		}
	}
	return nil
}

// Ping verifies the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return apperrors.ArtifactStoreError("head bucket", err, true)
	}
	return nil
}

// SessionPrefix is the key prefix under which all of a session's
// workspace objects and artifacts live.
func SessionPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/"
}

// WorkspaceKey builds the object key for a file in a session workspace.
func WorkspaceKey(sessionID, relPath string) string {
	return path.Join("sessions", sessionID, "workspace", relPath)
}

// LogKey builds the object key for spilled execution output.
func LogKey(executionID, stream string) string {
	return path.Join("logs", executionID, stream)
}
