package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aihub/docqa/internal/knowledge"
)

// osOpener 直接从本地路径读取
type osOpener struct{}

func (osOpener) Open(ctx context.Context, sourcePath string) (io.ReadCloser, error) {
	return os.Open(sourcePath)
}

func main() {
	var (
		input   = flag.String("input", "", "输入文件路径（必需，支持 pdf/txt/md/docx/xlsx）")
		size    = flag.Int("size", 1000, "分块长度（字符）")
		overlap = flag.Int("overlap", 200, "相邻分块重叠长度（字符）")
		full    = flag.Bool("full", false, "打印完整分块内容")
	)
	flag.Parse()

	if *input == "" {
		fmt.Fprintf(os.Stderr, "错误: 必须指定输入文件路径 (-input)\n")
		flag.Usage()
		os.Exit(1)
	}

	chunker, err := knowledge.NewChunker(*size, *overlap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}

	loader := knowledge.NewDocumentLoader(osOpener{}, knowledge.NewFileParserManager(), nil)
	text, err := loader.Load(context.Background(), *input, filepath.Base(*input))
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 加载失败: %v\n", err)
		os.Exit(1)
	}

	chunks := chunker.Chunk(filepath.Base(*input), text, nil)

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("分块配置: size=%d, overlap=%d\n", chunker.ChunkSize(), chunker.Overlap())
	fmt.Printf("原始文本长度: %d 字符\n", len([]rune(text)))
	fmt.Printf("分块数量: %d\n", len(chunks))
	fmt.Println(strings.Repeat("=", 80))

	for _, chunk := range chunks {
		content := chunk.Text
		if !*full {
			content = preview(content, 120)
		}
		fmt.Printf("块 #%d [%d, %d)\n%s\n", chunk.ChunkIndex, chunk.CharStart, chunk.CharEnd, content)
		fmt.Println(strings.Repeat("-", 80))
	}
}

func preview(text string, n int) string {
	runes := []rune(strings.ReplaceAll(text, "\n", " "))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "..."
}
