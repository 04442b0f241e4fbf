package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// LocalStore 本地磁盘存储
type LocalStore struct {
	baseDir string
	now     func() time.Time
}

// NewLocalStore 创建本地存储，目录不存在时自动创建
func NewLocalStore(baseDir string) (*LocalStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("upload dir %s is not writable", abs)).WithCause(err)
	}
	return &LocalStore{baseDir: abs, now: time.Now}, nil
}

// Save 写入临时文件后重命名，避免工作进程读到半个文件
func (s *LocalStore) Save(ctx context.Context, originalFilename string, r io.Reader) (*StoredFile, error) {
	name := storedName(s.now(), originalFilename)
	target := filepath.Join(s.baseDir, name)

	tmp, err := os.CreateTemp(s.baseDir, ".upload-*")
	if err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "failed to store upload").WithCause(err)
	}
	defer os.Remove(tmp.Name())

	hr := newHashingReader(r)
	if _, err := io.Copy(tmp, hr); err != nil {
		tmp.Close()
		return nil, apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "failed to store upload").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "failed to store upload").WithCause(err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "failed to store upload").WithCause(err)
	}

	return &StoredFile{
		SourcePath:       target,
		OriginalFilename: originalFilename,
		StoredName:       name,
		Size:             hr.size,
		SHA256:           hr.Sum(),
	}, nil
}

// resolve 把路径限制在存储目录内
func (s *LocalStore) resolve(sourcePath string) (string, error) {
	clean := filepath.Clean(sourcePath)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(s.baseDir, clean)
	}
	rel, err := filepath.Rel(s.baseDir, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.IOError(sourcePath, fmt.Errorf("path outside upload dir"))
	}
	return clean, nil
}

// Open 只允许打开存储目录内的文件
func (s *LocalStore) Open(ctx context.Context, sourcePath string) (io.ReadCloser, error) {
	clean, err := s.resolve(sourcePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, apperrors.IOError(sourcePath, err)
	}
	return f, nil
}

// Delete 删除存储目录内的文件
func (s *LocalStore) Delete(ctx context.Context, sourcePath string) error {
	clean, err := s.resolve(sourcePath)
	if err != nil {
		return err
	}
	if err := os.Remove(clean); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.IOError(sourcePath, err)
	}
	return nil
}

// Ready 检查目录可用
func (s *LocalStore) Ready(ctx context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.baseDir)
	}
	return nil
}
