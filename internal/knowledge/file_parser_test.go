package knowledge

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// MockSourceOpener 模拟文件存储
type MockSourceOpener struct {
	mock.Mock
}

func (m *MockSourceOpener) Open(ctx context.Context, sourcePath string) (io.ReadCloser, error) {
	args := m.Called(ctx, sourcePath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func TestFileParserManager_SupportedFormats(t *testing.T) {
	manager := NewFileParserManager()
	assert.Equal(t, []string{".docx", ".markdown", ".md", ".pdf", ".txt", ".xlsx"}, manager.GetSupportedFormats())
	assert.True(t, manager.Supports("Report.PDF"))
	assert.False(t, manager.Supports("slides.pptx"))
}

func TestFileParserManager_UnsupportedFormat(t *testing.T) {
	_, err := NewFileParserManager().ParseFile(strings.NewReader("x"), "image.png")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupportedFormat))
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.TypeOf(err))
}

func TestDocumentLoader_LoadNormalizesText(t *testing.T) {
	opener := new(MockSourceOpener)
	opener.On("Open", mock.Anything, "/uploads/a.txt").
		Return(io.NopCloser(strings.NewReader("The mitochondria\n\n  is the\tpowerhouse\x00 of the cell.  ")), nil)

	loader := NewDocumentLoader(opener, nil, nil)
	text, err := loader.Load(context.Background(), "/uploads/a.txt", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "The mitochondria is the powerhouse of the cell.", text)
	opener.AssertExpectations(t)
}

func TestDocumentLoader_UnsupportedSkipsStorage(t *testing.T) {
	opener := new(MockSourceOpener)
	loader := NewDocumentLoader(opener, nil, nil)

	_, err := loader.Load(context.Background(), "/uploads/a.exe", "a.exe")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupportedFormat))
	opener.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestDocumentLoader_OpenFailureIsIOError(t *testing.T) {
	opener := new(MockSourceOpener)
	opener.On("Open", mock.Anything, "/uploads/missing.pdf").Return(nil, errors.New("no such file"))

	loader := NewDocumentLoader(opener, nil, nil)
	_, err := loader.Load(context.Background(), "/uploads/missing.pdf", "missing.pdf")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIOError))
}

func TestDocumentLoader_CorruptPDFIsIOError(t *testing.T) {
	opener := new(MockSourceOpener)
	opener.On("Open", mock.Anything, "/uploads/broken.pdf").
		Return(io.NopCloser(strings.NewReader("definitely not a pdf")), nil)

	loader := NewDocumentLoader(opener, nil, nil)
	_, err := loader.Load(context.Background(), "/uploads/broken.pdf", "broken.pdf")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIOError))
}
