package knowledge

import (
	"fmt"
	"strings"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// DocumentChunk 文档分块，位置以字符（rune）计
type DocumentChunk struct {
	DocumentID     string
	ChunkIndex     int
	Text           string
	CharStart      int
	CharEnd        int
	SourceMetadata map[string]interface{}
}

// Chunker 文本分块器
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器，参数非法时返回配置错误
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("chunk size must be positive, got %d", chunkSize))
	}
	if overlap < 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("chunk overlap must not be negative, got %d", overlap))
	}
	if overlap >= chunkSize {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("chunk overlap %d must be smaller than chunk size %d", overlap, chunkSize))
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}, nil
}

// ChunkSize 最大分块长度
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap 相邻分块重叠长度
func (c *Chunker) Overlap() int { return c.chunkOverlap }

// Chunk 将文本切分为定长窗口，第一个之后的窗口都从上一个窗口结束前 overlap 个字符处开始。
// 空文本不产生分块；文本不超过 chunkSize 时只产生一个分块。
// 非法 UTF-8 字节序列先替换为 U+FFFD，位置按替换后的文本计算。
func (c *Chunker) Chunk(documentID, fullText string, sourceMetadata map[string]interface{}) []DocumentChunk {
	runes := []rune(strings.ToValidUTF8(fullText, "\uFFFD"))
	if len(runes) == 0 {
		return nil
	}

	step := c.chunkSize - c.chunkOverlap
	chunks := make([]DocumentChunk, 0, len(runes)/step+1)

	for start := 0; ; start += step {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, DocumentChunk{
			DocumentID:     documentID,
			ChunkIndex:     len(chunks),
			Text:           string(runes[start:end]),
			CharStart:      start,
			CharEnd:        end,
			SourceMetadata: sourceMetadata,
		})
		if end == len(runes) {
			break
		}
	}

	return chunks
}

// Reassemble 去掉重叠部分拼回原文
func Reassemble(chunks []DocumentChunk) string {
	var out []rune
	prevEnd := 0
	for i, chunk := range chunks {
		runes := []rune(chunk.Text)
		if i == 0 {
			out = append(out, runes...)
		} else {
			skip := prevEnd - chunk.CharStart
			if skip < 0 {
				skip = 0
			}
			if skip < len(runes) {
				out = append(out, runes[skip:]...)
			}
		}
		prevEnd = chunk.CharEnd
	}
	return string(out)
}
