package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/home-assistant/core-sub043/internal/hub"
)

// S3Config configures an S3 agent.
type S3Config struct {
	Name            string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 stores archives as <prefix>/<id>.tar. Each archive has a small
// <prefix>/<id>.json sidecar holding its backup record, so listing a bucket
// never has to download whole archives to read their manifests.
type S3 struct {
	client   *s3.Client
	uploader *s3manager.Uploader
	name     string
	bucket   string
	prefix   string
	logger   hub.Logger
}

var _ hub.Agent = (*S3)(nil)

// NewS3 creates an S3 agent. Static credentials are used when configured,
// otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config, logger hub.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	name := cfg.Name
	if name == "" {
		name = "backup.s3." + cfg.Bucket
	}
	return &S3{
		client:   client,
		uploader: s3manager.NewUploader(client),
		name:     name,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		logger:   logger,
	}, nil
}

func (s *S3) Name() string { return s.name }

func (s *S3) archiveKey(id string) string {
	return path.Join(s.prefix, id+".tar")
}

func (s *S3) recordKey(id string) string {
	return path.Join(s.prefix, id+".json")
}

// ListBackups reads every record sidecar under the prefix. Sidecars that
// cannot be parsed are logged and skipped.
func (s *S3) ListBackups(ctx context.Context) ([]*hub.Backup, error) {
	var backups []*hub.Backup
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing bucket %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			b, err := s.readRecord(ctx, key)
			if err != nil {
				s.logger.Warn("skipping unreadable backup record", "key", key, "error", err)
				continue
			}
			backups = append(backups, b)
		}
	}
	return backups, nil
}

func (s *S3) readRecord(ctx context.Context, key string) (*hub.Backup, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	var b hub.Backup
	if err := json.NewDecoder(out.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding backup record: %w", err)
	}
	b.AgentNames = []string{s.name}
	return &b, nil
}

func (s *S3) GetBackup(ctx context.Context, id string) (*hub.Backup, error) {
	b, err := s.readRecord(ctx, s.recordKey(id))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Upload streams the archive through the multipart uploader and then writes
// the record sidecar. The sidecar goes last so a record never points at a
// half-uploaded archive.
func (s *S3) Upload(ctx context.Context, backup *hub.Backup, r io.Reader, size int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.archiveKey(backup.ID)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}

	record := *backup
	record.AgentNames = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encoding backup record: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.recordKey(backup.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading backup record: %w", err)
	}
	return nil
}

func (s *S3) Download(ctx context.Context, id string, w io.Writer) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.archiveKey(id)),
	})
	if err != nil {
		return fmt.Errorf("downloading archive: %w", err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	return nil
}

// Delete removes the record first so a failure partway leaves an archive
// without a record rather than a record without an archive.
func (s *S3) Delete(ctx context.Context, id string) error {
	for _, key := range []string{s.recordKey(id), s.archiveKey(id)} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
