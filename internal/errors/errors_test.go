package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := New(CodeDocumentNotFound, KindNotFound, "document not found")
	assert.Equal(t, "[ERR_201_DOCUMENT_NOT_FOUND] document not found", err.Error())
}

func TestWrapNilReturnsNil(t *testing.T) {
	var e *Error = Wrap(CodeBlobStore, KindExternal, "put failed", nil)
	assert.Nil(t, e)
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := External("blob store unreachable", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeNoRelevantChunks, KindNotFound, "no relevant chunks")
	b := New(CodeNoRelevantChunks, KindNotFound, "different message")
	c := New(CodeDocumentNotFound, KindNotFound, "no relevant chunks")

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, c))
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := Validation("bad top_k")
	wrapped := fmt.Errorf("handling query: %w", inner)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, CodeInvalidInput, CodeOf(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(stderrors.New("boom")))
	assert.Equal(t, "", CodeOf(stderrors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("missing filename"), http.StatusBadRequest},
		{"not found", NotFound("document not found"), http.StatusNotFound},
		{"external", External("opensearch down", stderrors.New("dial")), http.StatusBadGateway},
		{"corruption", Corruption("bad pdf", stderrors.New("xref")), http.StatusInternalServerError},
		{"plain", stderrors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("gone")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
