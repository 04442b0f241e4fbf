package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	ledongpdf "github.com/ledongthuc/pdf"
	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// FileParser 文件解析器接口
type FileParser interface {
	Parse(reader io.Reader, filename string) (string, error)
	Supports(filename string) bool
	Extensions() []string
}

// TextParser 文本文件解析器
type TextParser struct{}

func (p *TextParser) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".txt" || ext == ".md" || ext == ".markdown"
}

func (p *TextParser) Extensions() []string { return []string{".txt", ".md", ".markdown"} }

func (p *TextParser) Parse(reader io.Reader, filename string) (string, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取文件失败: %w", err)
	}
	return string(content), nil
}

// PDFParser PDF文件解析器，unipdf 失败时回退到 ledongthuc/pdf
type PDFParser struct{}

func (p *PDFParser) Supports(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".pdf"
}

func (p *PDFParser) Extensions() []string { return []string{".pdf"} }

func (p *PDFParser) Parse(reader io.Reader, filename string) (string, error) {
	// 读取PDF内容
	pdfBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取PDF文件失败: %w", err)
	}

	text, err := extractWithUnipdf(pdfBytes)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	fallback, fbErr := extractWithLedongthuc(pdfBytes)
	if fbErr != nil {
		if err != nil {
			return "", fmt.Errorf("解析PDF失败: %w", err)
		}
		return "", fmt.Errorf("解析PDF失败: %w", fbErr)
	}
	return fallback, nil
}

func extractWithUnipdf(pdfBytes []byte) (string, error) {
	pdfReader, err := model.NewPdfReader(bytes.NewReader(pdfBytes))
	if err != nil {
		return "", err
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("获取PDF页数失败: %w", err)
	}

	var textBuilder strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			continue
		}
		text, err := ex.ExtractText()
		if err != nil {
			continue
		}
		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

func extractWithLedongthuc(pdfBytes []byte) (string, error) {
	r, err := ledongpdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read extracted text: %w", err)
	}
	return buf.String(), nil
}

// WordParser Word文档解析器（仅 .docx）
type WordParser struct{}

func (p *WordParser) Supports(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".docx"
}

func (p *WordParser) Extensions() []string { return []string{".docx"} }

func (p *WordParser) Parse(reader io.Reader, filename string) (string, error) {
	docBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取Word文件失败: %w", err)
	}

	doc, err := document.Read(bytes.NewReader(docBytes), int64(len(docBytes)))
	if err != nil {
		return "", fmt.Errorf("解析Word文档失败: %w", err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			textBuilder.WriteString(run.Text())
		}
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// ExcelParser Excel文件解析器（仅 .xlsx）
type ExcelParser struct{}

func (p *ExcelParser) Supports(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".xlsx"
}

func (p *ExcelParser) Extensions() []string { return []string{".xlsx"} }

func (p *ExcelParser) Parse(reader io.Reader, filename string) (string, error) {
	excelBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取Excel文件失败: %w", err)
	}

	ss, err := spreadsheet.Read(bytes.NewReader(excelBytes), int64(len(excelBytes)))
	if err != nil {
		return "", fmt.Errorf("解析Excel文档失败: %w", err)
	}
	defer ss.Close()

	var textBuilder strings.Builder
	for _, sheet := range ss.Sheets() {
		textBuilder.WriteString(fmt.Sprintf("Sheet: %s\n", sheet.Name()))
		for _, row := range sheet.Rows() {
			var rowText []string
			for _, cell := range row.Cells() {
				rowText = append(rowText, cell.GetString())
			}
			if len(rowText) > 0 {
				textBuilder.WriteString(strings.Join(rowText, "\t"))
				textBuilder.WriteString("\n")
			}
		}
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// FileParserManager 文件解析器管理器，按扩展名选择解析器
type FileParserManager struct {
	parsers []FileParser
}

// NewFileParserManager 创建文件解析器管理器
func NewFileParserManager(parsers ...FileParser) *FileParserManager {
	if len(parsers) == 0 {
		parsers = []FileParser{
			&PDFParser{},
			&WordParser{},
			&ExcelParser{},
			&TextParser{},
		}
	}
	return &FileParserManager{parsers: parsers}
}

// Supports 是否支持该文件
func (m *FileParserManager) Supports(filename string) bool {
	return m.parserFor(filename) != nil
}

func (m *FileParserManager) parserFor(filename string) FileParser {
	for _, parser := range m.parsers {
		if parser.Supports(filename) {
			return parser
		}
	}
	return nil
}

// ParseFile 解析文件，不支持的格式返回 UNSUPPORTED_FORMAT
func (m *FileParserManager) ParseFile(reader io.Reader, filename string) (string, error) {
	parser := m.parserFor(filename)
	if parser == nil {
		return "", apperrors.UnsupportedFormat(filename)
	}
	return parser.Parse(reader, filename)
}

// GetSupportedFormats 获取支持的文件格式
func (m *FileParserManager) GetSupportedFormats() []string {
	formats := make(map[string]bool)
	for _, parser := range m.parsers {
		for _, ext := range parser.Extensions() {
			formats[ext] = true
		}
	}
	result := make([]string, 0, len(formats))
	for format := range formats {
		result = append(result, format)
	}
	sort.Strings(result)
	return result
}

// SourceOpener 按存储路径打开原始文件
type SourceOpener interface {
	Open(ctx context.Context, sourcePath string) (io.ReadCloser, error)
}

// Loader 将存储中的文件加载为纯文本
type Loader interface {
	Load(ctx context.Context, sourcePath, filename string) (string, error)
}

// DocumentLoader 组合文件存储和解析器的加载器
type DocumentLoader struct {
	files   SourceOpener
	parsers *FileParserManager
	logger  *zap.Logger
}

// NewDocumentLoader 创建文档加载器
func NewDocumentLoader(files SourceOpener, parsers *FileParserManager, logger *zap.Logger) *DocumentLoader {
	if parsers == nil {
		parsers = NewFileParserManager()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentLoader{files: files, parsers: parsers, logger: logger}
}

// Load 读取并解析文件，返回规整空白后的全文
func (l *DocumentLoader) Load(ctx context.Context, sourcePath, filename string) (string, error) {
	if filename == "" {
		filename = filepath.Base(sourcePath)
	}
	if !l.parsers.Supports(filename) {
		return "", apperrors.UnsupportedFormat(filename)
	}

	rc, err := l.files.Open(ctx, sourcePath)
	if err != nil {
		if apperrors.IsAppError(err) {
			return "", err
		}
		return "", apperrors.IOError(sourcePath, err)
	}
	defer rc.Close()

	raw, err := l.parsers.ParseFile(rc, filename)
	if err != nil {
		if apperrors.IsAppError(err) {
			return "", err
		}
		return "", apperrors.IOError(sourcePath, err)
	}

	text := normalizeWhitespace(raw)
	l.logger.Debug("文档解析完成",
		zap.String("source_path", sourcePath),
		zap.String("filename", filename),
		zap.Int("chars", len([]rune(text))))
	return text, nil
}

// normalizeWhitespace 合并连续空白并去除控制字符
func normalizeWhitespace(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))

	var prevSpace bool
	for _, r := range s {
		if unicode.IsSpace(r) {
			if prevSpace {
				continue
			}
			builder.WriteRune(' ')
			prevSpace = true
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		builder.WriteRune(r)
		prevSpace = false
	}

	return strings.TrimSpace(builder.String())
}
