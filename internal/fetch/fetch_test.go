package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/source"
)

func gzipBytes(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestFetcher() (*Fetcher, *bus.Bus) {
	b := bus.New()
	f := New(http.DefaultClient, b, Options{Concurrency: 2, ChecksumRetries: 2, SendRequestTimeout: 2 * time.Second, DownloadTimeout: 5 * time.Second})
	return f, b
}

func drain(b *bus.Bus) {
	go func() {
		for range b.Events() {
		}
	}()
}

func TestDownloadHTTPSingleMirrorSuccess(t *testing.T) {
	body := []byte("Package: oma\nVersion: 1.0\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, b := newTestFetcher()
	drain(b)
	defer b.Close()

	dir := t.TempDir()
	task := Task{
		Sources:        []DownloadSource{{URL: srv.URL, Kind: source.KindHTTP}},
		Dir:            dir,
		Filename:       "Packages",
		ExpectedSHA256: digest(body),
		Size:           int64(len(body)),
	}

	summaries, err := f.Download(context.Background(), []Task{task})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(len(body)), summaries[0].DownloadedBytes)

	got, err := os.ReadFile(filepath.Join(dir, "Packages"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadFallsThroughToNextMirrorOn404(t *testing.T) {
	body := []byte("second mirror payload")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer good.Close()

	f, b := newTestFetcher()
	drain(b)
	defer b.Close()

	dir := t.TempDir()
	task := Task{
		Sources: []DownloadSource{
			{URL: bad.URL, Kind: source.KindHTTP},
			{URL: good.URL, Kind: source.KindHTTP},
		},
		Dir:            dir,
		Filename:       "Release",
		ExpectedSHA256: digest(body),
	}

	summaries, err := f.Download(context.Background(), []Task{task})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UsedMirrorIndex)
}

func TestDownloadRetriesOnChecksumMismatchThenFails(t *testing.T) {
	wrong := []byte("not what you expect")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(wrong)
	}))
	defer srv.Close()

	f, b := newTestFetcher()
	drain(b)
	defer b.Close()

	dir := t.TempDir()
	task := Task{
		Sources:        []DownloadSource{{URL: srv.URL, Kind: source.KindHTTP}},
		Dir:            dir,
		Filename:       "InRelease",
		ExpectedSHA256: digest([]byte("something else entirely")),
	}

	summaries, err := f.Download(context.Background(), []Task{task})
	require.NoError(t, err)
	assert.Empty(t, summaries[0].Filename)
}

func TestDownloadSkipsAlreadyVerifiedFile(t *testing.T) {
	body := []byte("already on disk")

	f, b := newTestFetcher()
	drain(b)
	defer b.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "Packages")
	require.NoError(t, os.WriteFile(dest, body, 0o644))

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = w.Write([]byte("should never be fetched"))
	}))
	defer srv.Close()

	task := Task{
		Sources:        []DownloadSource{{URL: srv.URL, Kind: source.KindHTTP}},
		Dir:            dir,
		Filename:       "Packages",
		ExpectedSHA256: digest(body),
		Size:           int64(len(body)),
	}

	summaries, err := f.Download(context.Background(), []Task{task})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, int64(len(body)), summaries[0].DownloadedBytes)
}

func TestDownloadLocalSource(t *testing.T) {
	srcDir := t.TempDir()
	body := []byte("local payload")
	srcPath := filepath.Join(srcDir, "Packages")
	require.NoError(t, os.WriteFile(srcPath, body, 0o644))

	f, b := newTestFetcher()
	drain(b)
	defer b.Close()

	dstDir := t.TempDir()
	task := Task{
		Sources:        []DownloadSource{{URL: "file://" + srcPath, Kind: source.KindLocal}},
		Dir:            dstDir,
		Filename:       "Packages",
		ExpectedSHA256: digest(body),
	}

	summaries, err := f.Download(context.Background(), []Task{task})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), summaries[0].DownloadedBytes)
}

func TestDownloadGzipExtraction(t *testing.T) {
	// Serve a gzip stream whose decompressed content is verified against the
	// plain-text checksum, exercising the Extract path end to end.
	plain := []byte("Package: oma\nVersion: 2.0\n")
	compressed := gzipBytes(t, plain)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	f, b := newTestFetcher()
	drain(b)
	defer b.Close()

	dir := t.TempDir()
	task := Task{
		Sources:        []DownloadSource{{URL: srv.URL, Kind: source.KindHTTP}},
		Dir:            dir,
		Filename:       "Packages.gz",
		Extract:        true,
		ExpectedSHA256: digest(plain),
	}

	_, err := f.Download(context.Background(), []Task{task})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "Packages"))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}
