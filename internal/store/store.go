package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/sharebox/sharebox/internal/circuit"
	"github.com/sharebox/sharebox/internal/errs"
	"github.com/sharebox/sharebox/pkg/retry"
)

// Config configures the S3-compatible backend connection.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	PoolSize        int
	MaxRetries      int
}

// Metrics tracks backend request/error/byte counters for /metrics.
type Metrics struct {
	Requests        int64
	Errors          int64
	BytesUploaded   int64
	BytesDownloaded int64
}

// Store is the ObjectStore implementation backed by an S3-compatible API.
type Store struct {
	client *s3.Client
	bucket string
	device string
	pool   *connectionPool
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics Metrics
}

// New constructs a Store for bucket, verifying connectivity via HeadBucket.
func New(ctx context.Context, bucket, device string, cfg Config, logger zerolog.Logger) (*Store, error) {
	if bucket == "" {
		return nil, errs.StoreError(errs.CodeStoreOther, "New", bucket, fmt.Errorf("bucket name cannot be empty"))
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(orDefault(cfg.Region, "auto")),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.StoreError(errs.CodeStoreOther, "New", bucket, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	pool, err := newConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		}), nil
	})
	if err != nil {
		return nil, errs.StoreError(errs.CodeStoreOther, "New", bucket, err)
	}

	s := &Store{
		client:  client,
		bucket:  bucket,
		device:  device,
		pool:    pool,
		breaker: circuit.NewCircuitBreaker("object-store", circuit.Config{}),
		retryer: retry.New(retry.DefaultConfig()),
		logger:  logger.With().Str("component", "store").Str("bucket", bucket).Logger(),
	}

	if err := s.HealthCheck(ctx); err != nil {
		return nil, errs.Wrap(errs.CodeStoreOther, "initial health check failed", err)
	}

	return s, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Put uploads data under key, merging caller metadata with ShareBox's
// standard upload-time/content-hash/device bookkeeping fields.
func (s *Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	start := time.Now()
	defer func() { s.recordMetrics(time.Since(start)) }()

	sum := sha256.Sum256(data)
	merged := map[string]string{
		MetaUploadTime:   time.Now().UTC().Format(time.RFC3339),
		MetaContentHash:  hex.EncodeToString(sum[:]),
		MetaDevice:       s.device,
		MetaOriginalSize: strconv.Itoa(len(data)),
	}
	for k, v := range metadata {
		merged[k] = v
	}

	err := s.breaker.Execute(func() error {
		return s.retryer.Do(func() error {
			client := s.pool.Get()
			defer s.pool.Put(client)

			_, err := client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
				Metadata:      merged,
			})
			if err != nil {
				return s.translate(err, "Put", key)
			}
			return nil
		})
	})
	if err != nil {
		s.recordError()
		return err
	}

	s.mu.Lock()
	s.metrics.BytesUploaded += int64(len(data))
	s.mu.Unlock()
	return nil
}

// Get retrieves the full object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() { s.recordMetrics(time.Since(start)) }()

	var data []byte
	err := s.breaker.Execute(func() error {
		return s.retryer.Do(func() error {
			client := s.pool.Get()
			defer s.pool.Put(client)

			result, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return s.translate(err, "Get", key)
			}
			defer result.Body.Close()

			body, err := io.ReadAll(result.Body)
			if err != nil {
				return errs.StoreError(errs.CodeStoreOther, "Get", key, err)
			}
			data = body
			return nil
		})
	})
	if err != nil {
		s.recordError()
		return nil, err
	}

	s.mu.Lock()
	s.metrics.BytesDownloaded += int64(len(data))
	s.mu.Unlock()
	return data, nil
}

// Delete removes key. It is NOT treated as an error for key to be absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { s.recordMetrics(time.Since(start)) }()

	err := s.breaker.Execute(func() error {
		return s.retryer.Do(func() error {
			client := s.pool.Get()
			defer s.pool.Put(client)

			_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return s.translate(err, "Delete", key)
			}
			return nil
		})
	})
	if err != nil && !errs.IsNotFound(err) {
		s.recordError()
		return err
	}
	return nil
}

// Head retrieves metadata about key without downloading its body.
func (s *Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	defer func() { s.recordMetrics(time.Since(start)) }()

	client := s.pool.Get()
	defer s.pool.Put(client)

	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.recordError()
		return nil, s.translate(err, "Head", key)
	}

	info := &ObjectInfo{
		Key:      key,
		Metadata: result.Metadata,
	}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	if result.ETag != nil {
		info.ETag = *result.ETag
	}
	return info, nil
}

// List returns objects whose keys start with prefix, at any depth (no
// delimiter is sent; the caller is responsible for interpreting "/"
// boundaries as directories). It issues a single ListObjectsV2 request and
// returns only that response's page of keys.
func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	client := s.pool.Get()
	defer s.pool.Put(client)

	result, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		s.recordError()
		return nil, s.translate(err, "List", prefix)
	}

	infos := make([]ObjectInfo, 0, len(result.Contents))
	for _, obj := range result.Contents {
		info := ObjectInfo{}
		if obj.Key != nil {
			info.Key = *obj.Key
		}
		if obj.Size != nil {
			info.Size = *obj.Size
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		if obj.ETag != nil {
			info.ETag = *obj.ETag
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// HealthCheck verifies the bucket is reachable and credentials are valid.
func (s *Store) HealthCheck(ctx context.Context) error {
	client := s.pool.Get()
	defer s.pool.Put(client)

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return s.translate(err, "HealthCheck", s.bucket)
	}
	return nil
}

// GetMetrics returns a snapshot of request/byte counters.
func (s *Store) GetMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Close releases pooled connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) recordMetrics(_ time.Duration) {
	s.mu.Lock()
	s.metrics.Requests++
	s.mu.Unlock()
}

func (s *Store) recordError() {
	s.mu.Lock()
	s.metrics.Errors++
	s.mu.Unlock()
}

// translate maps an AWS SDK error into ShareBox's NotFound/Unauthorized/
// Network/Other taxonomy, as required by the error-handling design.
func (s *Store) translate(err error, operation, key string) error {
	var notFoundKey *s3types.NoSuchKey
	var notFoundBucket *s3types.NoSuchBucket
	switch {
	case errors.As(err, &notFoundKey), errors.As(err, &notFoundBucket):
		return errs.StoreError(errs.CodeStoreNotFound, operation, key, err)
	case isUnauthorized(err):
		return errs.StoreError(errs.CodeStoreUnauthorized, operation, key, err)
	case isNetworkError(err):
		return errs.StoreError(errs.CodeStoreNetwork, operation, key, err)
	default:
		return errs.StoreError(errs.CodeStoreOther, operation, key, err)
	}
}
