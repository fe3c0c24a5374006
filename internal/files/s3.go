package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"wxhelper/internal/domain"
)

// S3Config holds S3 settings for the file store.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Store keeps blobs at <prefix>/<unique id>/<file name> in a bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store builds a client from static credentials.
func NewS3Store(cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 credentials are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	// Buckets with dots break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	logger.Info("s3 file store configured", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (s *S3Store) dirKey(unique string) string {
	if s.prefix == "" {
		return unique + "/"
	}
	return s.prefix + "/" + unique + "/"
}

// Store uploads data unless an object with the same content already exists.
func (s *S3Store) Store(ctx context.Context, data []byte, suggestedName string) (domain.StoredFile, error) {
	unique := UniqueID(data)
	if existing, err := s.lookup(ctx, unique); err == nil {
		return existing, nil
	}

	name := SafeName(suggestedName, unique)
	key := s.dirKey(unique) + name
	contentType := MimeType(name, data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"file-unique-id": unique},
	})
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("s3 put %s: %w", key, err)
	}
	s.logger.Debug("file uploaded", "bucket", s.bucket, "key", key, "size", len(data))
	return domain.StoredFile{
		UniqueID: unique,
		Ref:      key,
		Name:     name,
		Size:     int64(len(data)),
		MimeType: contentType,
		ModTime:  time.Now(),
	}, nil
}

// Resolve maps a file_id or file_unique_id to its object.
func (s *S3Store) Resolve(ctx context.Context, fileID string) (domain.StoredFile, error) {
	unique, err := ParseFileID(fileID)
	if err != nil {
		return domain.StoredFile{}, err
	}
	return s.lookup(ctx, unique)
}

func (s *S3Store) lookup(ctx context.Context, unique string) (domain.StoredFile, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirKey(unique)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("s3 list: %w", err)
	}
	if len(out.Contents) == 0 {
		return domain.StoredFile{}, fmt.Errorf("%w: %s", domain.ErrFileNotFound, unique)
	}
	return s.describe(unique, out.Contents[0]), nil
}

func (s *S3Store) describe(unique string, obj types.Object) domain.StoredFile {
	key := aws.ToString(obj.Key)
	name := path.Base(key)
	return domain.StoredFile{
		UniqueID: unique,
		Ref:      key,
		Name:     name,
		Size:     aws.ToInt64(obj.Size),
		MimeType: MimeType(name, nil),
		ModTime:  aws.ToTime(obj.LastModified),
	}
}

// Open streams an object by key.
func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, ref)
		}
		return nil, fmt.Errorf("s3 get %s: %w", ref, err)
	}
	return out.Body, nil
}

// Delete removes every object under the blob's key prefix.
func (s *S3Store) Delete(ctx context.Context, fileID string) error {
	unique, err := ParseFileID(fileID)
	if err != nil {
		return err
	}
	f, err := s.lookup(ctx, unique)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(f.Ref),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", f.Ref, err)
	}
	return nil
}

// Sweep deletes objects last modified before now-ttl.
func (s *S3Store) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	horizon := time.Now().Add(-ttl)
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range all {
		if f.ModTime.After(horizon) {
			continue
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(f.Ref),
		}); err != nil {
			s.logger.Warn("s3 sweep failed", "key", f.Ref, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// List returns every stored object.
func (s *S3Store) List(ctx context.Context) ([]domain.StoredFile, error) {
	var prefix *string
	if s.prefix != "" {
		prefix = aws.String(s.prefix + "/")
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: prefix,
	})
	var out []domain.StoredFile
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), aws.ToString(prefix))
			unique, _, ok := strings.Cut(rel, "/")
			if !ok {
				continue
			}
			out = append(out, s.describe(unique, obj))
		}
	}
	return out, nil
}
