// Package s3archive keeps a cold copy of event store snapshots in S3.
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/pkg/codec"
)

// API is the subset of the S3 client the archive uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Archive stores snapshots as JSON objects at <prefix>/<streamId>/<version>.json.
type Archive struct {
	client API
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates an S3 client from the default AWS credential chain.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient creates an archive over an existing client.
func NewWithClient(client API, bucket, prefix string, logger *zap.Logger) *Archive {
	return &Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("s3archive"),
	}
}

func (a *Archive) streamPrefix(streamID string) string {
	return path.Join(a.prefix, streamID) + "/"
}

func (a *Archive) objectKey(streamID string, version int64) string {
	return a.streamPrefix(streamID) + fmt.Sprintf("%020d.json", version)
}

// Archive uploads a snapshot. A later snapshot at the same version replaces it.
func (a *Archive) Archive(ctx context.Context, snap *events.Snapshot) error {
	data, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := a.objectKey(snap.StreamID, snap.Version)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}

	a.logger.Debug("snapshot archived", zap.String("key", key))
	return nil
}

// Load returns the latest archived snapshot at or below maxVersion, or nil.
// A negative maxVersion means any version.
func (a *Archive) Load(ctx context.Context, streamID string, maxVersion int64) (*events.Snapshot, error) {
	prefix := a.streamPrefix(streamID)

	var (
		bestKey     string
		bestVersion int64 = -1
		token       *string
	)
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots in S3: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			version, ok := parseVersion(strings.TrimPrefix(key, prefix))
			if !ok {
				continue
			}
			if maxVersion >= 0 && version > maxVersion {
				continue
			}
			if version > bestVersion {
				bestKey, bestVersion = key, version
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	if bestKey == "" {
		return nil, nil
	}

	obj, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(bestKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from S3: %w", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap events.Snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func parseVersion(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") || strings.Contains(name, "/") {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
