package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StoredFile 已保存的上传文件
type StoredFile struct {
	SourcePath       string
	OriginalFilename string
	StoredName       string
	Size             int64
	// SHA256 文件内容摘要，作为文档ID
	SHA256 string
}

// FileStore 上传文件存储
type FileStore interface {
	Save(ctx context.Context, originalFilename string, r io.Reader) (*StoredFile, error)
	Open(ctx context.Context, sourcePath string) (io.ReadCloser, error)
	// Delete 删除已保存的文件，文件不存在时不报错
	Delete(ctx context.Context, sourcePath string) error
	Ready(ctx context.Context) error
}

// storedName 生成 <毫秒时间戳>-<随机串>-<原文件名> 形式的文件名
func storedName(now time.Time, originalFilename string) string {
	return fmt.Sprintf("%d-%s-%s", now.UnixMilli(), uuid.NewString()[:8], SafeFilename(originalFilename))
}

// SafeFilename 去掉路径部分和不安全字符
func SafeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		default:
			return r
		}
	}, name)
}

// hashingReader 读取时计算摘要和长度
type hashingReader struct {
	r    io.Reader
	h    hash.Hash
	size int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

func (h *hashingReader) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
