package services

import (
	"fmt"
	"strings"

	"github.com/aihub/docqa/internal/knowledge"
)

// DefaultSystemPrompt 默认的系统指令，检索到的上下文附在其后
const DefaultSystemPrompt = `You are a helpful AI Assistant who answers user queries based on the context from the uploaded documents.
Answer strictly from the context below. If the context does not contain the answer, say that you don't know instead of guessing.`

const contextDelimiter = "---"

// ContextAssembler 把检索结果拼成带标注的系统指令
type ContextAssembler struct {
	instruction string
}

// NewContextAssembler 创建上下文拼接器，instruction 为空时使用默认指令
func NewContextAssembler(instruction string) *ContextAssembler {
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultSystemPrompt
	}
	return &ContextAssembler{instruction: strings.TrimSpace(instruction)}
}

// Assemble 按排名顺序标注每个分块，Doc 编号从 1 开始
func (a *ContextAssembler) Assemble(results []knowledge.ScoredEntry) string {
	var b strings.Builder
	b.WriteString(a.instruction)
	b.WriteString("\n\nContext:\n")
	if len(results) == 0 {
		b.WriteString("(no relevant passages were found)\n")
		return b.String()
	}
	for i, r := range results {
		b.WriteString(contextDelimiter)
		b.WriteByte('\n')
		b.WriteString(label(i+1, r))
		b.WriteByte('\n')
		b.WriteString(strings.TrimSpace(r.Text))
		b.WriteByte('\n')
	}
	b.WriteString(contextDelimiter)
	b.WriteByte('\n')
	return b.String()
}

func label(n int, r knowledge.ScoredEntry) string {
	source, _ := r.Metadata[knowledge.MetaSource].(string)
	chunk, hasChunk := chunkIndex(r.Metadata[knowledge.MetaChunkIndex])
	switch {
	case source != "" && hasChunk:
		return fmt.Sprintf("Doc %d (%s, chunk %d):", n, source, chunk)
	case source != "":
		return fmt.Sprintf("Doc %d (%s):", n, source)
	default:
		return fmt.Sprintf("Doc %d:", n)
	}
}

// chunkIndex 元数据经 JSON 往返后可能是 float64
func chunkIndex(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
