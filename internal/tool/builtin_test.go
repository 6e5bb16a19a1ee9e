package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain tags",
			in:   "<html><body><h1>Title</h1><p>Hello <b>world</b></p></body></html>",
			want: "Title Hello world",
		},
		{
			name: "script and style removed",
			in:   "<style>p{color:red}</style><p>visible</p><script>alert(1)</script>",
			want: "visible",
		},
		{
			name: "entities decoded",
			in:   "<p>a &amp; b &lt;c&gt;</p>",
			want: "a & b <c>",
		},
		{
			name: "no markup",
			in:   "just text",
			want: "just text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripHTML(tt.in))
		})
	}
}

func TestReadURLExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>page content</p></body></html>"))
	}))
	defer srv.Close()

	rt := NewReadURL()
	out, err := rt.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "page content", out)
}

func TestReadURLExecuteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt := NewReadURL()
	_, err := rt.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestReadURLExecuteBadArgs(t *testing.T) {
	rt := NewReadURL()

	_, err := rt.Execute(context.Background(), map[string]any{})
	require.Error(t, err)

	_, err = rt.Execute(context.Background(), map[string]any{"url": "ftp://example.com"})
	require.Error(t, err)
}

func TestJinaReaderExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The reader proxy receives the target URL as its path.
		assert.Contains(t, r.URL.String(), "example.com")
		w.Write([]byte("# Markdown rendition"))
	}))
	defer srv.Close()

	jr := NewJinaReader()
	jr.baseURL = srv.URL + "/"

	out, err := jr.Execute(context.Background(), map[string]any{"url": "https://example.com/page"})
	require.NoError(t, err)
	assert.Equal(t, "# Markdown rendition", out)
}
