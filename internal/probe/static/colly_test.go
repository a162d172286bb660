package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Example Store</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
</head>
<body>
  <h1>Welcome</h1>
  <h2>Products</h2>
  <img src="/logo.png" alt="logo">
  <img src="/hero.png">
  <img src="/banner.png" alt="">
  <a href="/about">About</a>
  <a href="/contact">Contact</a>
  <form>
    <input type="text" name="q">
    <select name="sort"><option>az</option></select>
    <button type="submit">Search</button>
  </form>
</body>
</html>`

func TestInspectCountsElements(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage)) //nolint:errcheck
	}))
	defer srv.Close()

	p := New(Config{Timeout: 5 * time.Second})
	m, err := p.Inspect(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, "Example Store", m.Title)
	require.True(t, m.HasViewport)
	require.Equal(t, 3, m.Images)
	require.Equal(t, 2, m.ImagesWithoutAlt) // missing attr and empty alt both count
	require.Equal(t, 2, m.Links)
	require.Equal(t, 2, m.Headings)
	require.Equal(t, 1, m.Buttons)
	require.Equal(t, 2, m.Inputs)
}

func TestInspectServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{Timeout: 5 * time.Second})
	_, err := p.Inspect(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestInspectCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Config{})
	_, err := p.Inspect(ctx, "https://example.com")
	require.ErrorIs(t, err, context.Canceled)
}

func TestInspectConnectionRefused(t *testing.T) {
	t.Parallel()

	p := New(Config{Timeout: time.Second})
	_, err := p.Inspect(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
}
