package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/logger"
)

const minioScheme = "minio://"

// MinIOOptions MinIO 存储配置
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// EnsureAttempts 启动时检查 bucket 的重试次数
	EnsureAttempts int
	Logger         *zap.Logger
}

// MinIOStore 基于 MinIO/S3 的上传文件存储，服务端和工作进程可分机部署
type MinIOStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
	now    func() time.Time
}

// NewMinIOStore 创建 MinIO 存储并确保 bucket 存在
func NewMinIOStore(ctx context.Context, opts MinIOOptions) (*MinIOStore, error) {
	if opts.Endpoint == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "minio endpoint not configured")
	}
	if opts.Bucket == "" {
		opts.Bucket = "uploads"
	}
	if opts.EnsureAttempts <= 0 {
		opts.EnsureAttempts = 5
	}

	// minio.New 不接受协议前缀
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "failed to create minio client").WithCause(err)
	}

	s := &MinIOStore{client: client, bucket: opts.Bucket, log: logger.OrNop(opts.Logger), now: time.Now}
	if err := s.ensureBucket(ctx, opts.EnsureAttempts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err == nil && exists {
			return nil
		}
		if err == nil {
			err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
			if err == nil || isBucketOwned(err) {
				s.log.Info("minio bucket ready", zap.String("bucket", s.bucket))
				return nil
			}
		}
		lastErr = err

		wait := time.Duration(i+1) * 2 * time.Second
		s.log.Warn("minio bucket check failed, retrying",
			zap.Int("attempt", i+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "minio not reachable").WithCause(ctx.Err())
		case <-time.After(wait):
		}
	}
	return apperrors.NewTransientError(apperrors.ErrCodeStorageFailed,
		fmt.Sprintf("bucket %s not available", s.bucket)).WithCause(lastErr)
}

func isBucketOwned(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "BucketAlreadyExists" || code == "BucketAlreadyOwnedByYou"
}

// Save 流式上传，同时计算内容摘要
func (s *MinIOStore) Save(ctx context.Context, originalFilename string, r io.Reader) (*StoredFile, error) {
	name := storedName(s.now(), originalFilename)
	hr := newHashingReader(r)

	_, err := s.client.PutObject(ctx, s.bucket, name, hr, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"original-filename": SafeFilename(originalFilename),
		},
	})
	if err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "failed to store upload").WithCause(err)
	}

	return &StoredFile{
		SourcePath:       minioScheme + s.bucket + "/" + name,
		OriginalFilename: originalFilename,
		StoredName:       name,
		Size:             hr.size,
		SHA256:           hr.Sum(),
	}, nil
}

// Open 打开 minio://bucket/key 形式的路径
func (s *MinIOStore) Open(ctx context.Context, sourcePath string) (io.ReadCloser, error) {
	bucket, key, err := ParseMinIOPath(sourcePath)
	if err != nil {
		return nil, apperrors.IOError(sourcePath, err)
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIOError(sourcePath, err)
	}
	// GetObject 是惰性的，Stat 才会暴露对象不存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyMinIOError(sourcePath, err)
	}
	return obj, nil
}

// Delete 删除对象，对象不存在时 MinIO 同样返回成功
func (s *MinIOStore) Delete(ctx context.Context, sourcePath string) error {
	bucket, key, err := ParseMinIOPath(sourcePath)
	if err != nil {
		return apperrors.IOError(sourcePath, err)
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinIOError(sourcePath, err)
	}
	return nil
}

// Ready 检查 bucket 可访问
func (s *MinIOStore) Ready(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// ParseMinIOPath 拆分 minio://bucket/key
func ParseMinIOPath(sourcePath string) (string, string, error) {
	if !strings.HasPrefix(sourcePath, minioScheme) {
		return "", "", fmt.Errorf("not a minio path: %s", sourcePath)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(sourcePath, minioScheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed minio path: %s", sourcePath)
	}
	return bucket, key, nil
}

func classifyMinIOError(sourcePath string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "InvalidObjectName":
		return apperrors.IOError(sourcePath, err)
	}
	return apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "object storage unavailable").WithCause(err)
}
