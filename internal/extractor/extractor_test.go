package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

const samplePage = `<!doctype html>
<html><head>
<title>Fallback Title</title>
<meta property="og:title" content="  Example Domain ">
<meta name="description" content="An illustrative page.">
<meta name="keywords" content="Go, Pipelines , , bookmarks">
<meta property="article:tag" content="Testing">
<meta property="og:image" content="/img/cover.png">
<link rel="shortcut icon" href="/static/fav.ico">
<script>var ignored = "script text";</script>
</head>
<body><h1>Hello</h1>
<p>Body   text
here.</p></body></html>`

func TestExtractParsesMetadata(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	ex := New(Config{UserAgent: "bookmarkd-test", Timeout: 2 * time.Second})
	got, err := ex.Extract(context.Background(), srv.URL+"/article")
	require.NoError(t, err)

	assert.Equal(t, "bookmarkd-test", gotUA)
	assert.Equal(t, "Example Domain", got.Title)
	assert.Equal(t, "An illustrative page.", got.Description)
	assert.Equal(t, []string{"Go", "Pipelines", "bookmarks", "Testing"}, got.Tags)
	assert.Equal(t, srv.URL+"/img/cover.png", got.OGImage)
	assert.Equal(t, srv.URL+"/static/fav.ico", got.Favicon)
	assert.Equal(t, "Hello Body text here.", got.Text)
	assert.NotContains(t, got.Text, "script text")
}

func TestExtractRevisitsSameURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Again</title></head></html>`)
	}))
	defer srv.Close()

	ex := New(Config{Timeout: 2 * time.Second})
	for i := 0; i < 2; i++ {
		got, err := ex.Extract(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "Again", got.Title)
		assert.Equal(t, srv.URL+"/favicon.ico", got.Favicon)
	}
}

func TestExtractNon2xxIsFetchFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Config{Timeout: time.Second}).Extract(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bookmark.ErrFetchFailed))
}

func TestExtractTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Extract(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bookmark.ErrFetchFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	got := truncate("aé", 2)
	assert.Equal(t, "a", got)
	assert.True(t, strings.HasPrefix("aé", got))
}
