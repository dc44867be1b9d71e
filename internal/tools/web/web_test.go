package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextFromHTML(t *testing.T) {
	html := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
	<body><h1>Title</h1><p>Hello&nbsp;&amp; welcome</p><p>Line two<br/>Line three</p></body></html>`

	got := extractTextFromHTML(html)
	assert.Contains(t, got, "Title")
	assert.Contains(t, got, "Hello & welcome")
	assert.Contains(t, got, "Line two")
	assert.Contains(t, got, "Line three")
	assert.NotContains(t, got, "alert(1)")
	assert.NotContains(t, got, "color:red")
}

func TestToolExecuteHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>hello world</p></body></html>`))
	}))
	defer srv.Close()

	tool := NewForTesting()
	res, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "hello world")
}

func TestToolExecuteJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tool := NewForTesting()
	res, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, `{"ok":true}`, res.Output)
}

func TestToolExecuteHTMLSkipExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<p>raw</p>`))
	}))
	defer srv.Close()

	tool := NewForTesting()
	res, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL, "extract_text": false})
	require.NoError(t, err)
	assert.Equal(t, `<p>raw</p>`, res.Output)
}

func TestToolExecuteTruncatesLongResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", MaxResponseSize+1000)))
	}))
	defer srv.Close()

	tool := NewForTesting()
	res, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Len(t, res.Output, MaxResponseSize)
}

func TestToolRejectsNonHTTPScheme(t *testing.T) {
	tool := New()
	res, err := tool.Execute(context.Background(), map[string]any{"url": "ftp://example.com/file"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestToolBlocksLocalhostWhenNotTesting(t *testing.T) {
	tool := New()
	res, err := tool.Execute(context.Background(), map[string]any{"url": "http://localhost:9999/"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "localhost")
}
