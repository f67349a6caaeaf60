package refresh

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/fetch"
	"github.com/dionysius/oma-core/internal/source"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func gzipOf(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func drainBus(b *bus.Bus) {
	go func() {
		for range b.Events() {
		}
	}()
}

func TestRefreshNormalRepoEndToEnd(t *testing.T) {
	packages := []byte("Package: oma\nVersion: 1.0\nArchitecture: amd64\n\n")
	packagesGz := gzipOf(t, packages)

	mux := http.NewServeMux()
	var inrelease []byte
	mux.HandleFunc("/dists/stable/InRelease", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(inrelease)
	})
	mux.HandleFunc("/dists/stable/main/binary-amd64/Packages.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(packagesGz)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	inrelease = []byte(fmt.Sprintf(
		"Date: Mon, 01 Jan 2024 00:00:00 UTC\nSHA256:\n %s %d main/binary-amd64/Packages\n %s %d main/binary-amd64/Packages.gz\n",
		sha256Hex(packages), len(packages),
		sha256Hex(packagesGz), len(packagesGz),
	))

	dir := t.TempDir()
	b := bus.New()
	drainBus(b)
	defer b.Close()

	f := fetch.New(http.DefaultClient, b, fetch.Options{Concurrency: 2, ChecksumRetries: 1, SendRequestTimeout: 2 * time.Second, DownloadTimeout: 5 * time.Second})
	engine := New(f, b, Options{Arch: "amd64", DownloadDir: dir})

	entry := source.NewEntry(srv.URL, "stable", []string{"main"}, nil, true, "", false, "amd64")

	report, err := engine.Refresh(context.Background(), []*source.Entry{entry})
	require.NoError(t, err)
	assert.Len(t, report.Fetched, 1)
	assert.Equal(t, 1, report.IndexLen)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawExtractedPackages bool
	for _, f := range files {
		if f.Name() != "" {
			content, _ := os.ReadFile(dir + "/" + f.Name())
			if bytes.Equal(content, packages) {
				sawExtractedPackages = true
			}
		}
	}
	assert.True(t, sawExtractedPackages, "expected an extracted Packages file matching the uncompressed checksum")
}

type staticClosedTopics map[string]bool

func (s staticClosedTopics) IsClosed(suite string) bool { return s[suite] }

func TestRefreshSkipsClosedTopicOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	b := bus.New()
	drainBus(b)
	defer b.Close()

	f := fetch.New(http.DefaultClient, b, fetch.Options{Concurrency: 1, ChecksumRetries: 1, SendRequestTimeout: 2 * time.Second, DownloadTimeout: 5 * time.Second})
	engine := New(f, b, Options{
		Arch:         "amd64",
		DownloadDir:  dir,
		ClosedTopics: staticClosedTopics{"experimental": true},
	})

	entry := source.NewEntry(srv.URL, "experimental", []string{"main"}, nil, true, "", false, "amd64")

	report, err := engine.Refresh(context.Background(), []*source.Entry{entry})
	require.NoError(t, err)
	assert.Empty(t, report.Fetched)
	require.Len(t, report.Skipped, 1)
}

func TestRefreshFailsHardOnMissingInReleaseWithoutClosedTopicPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	b := bus.New()
	drainBus(b)
	defer b.Close()

	f := fetch.New(http.DefaultClient, b, fetch.Options{Concurrency: 1, ChecksumRetries: 1, SendRequestTimeout: 2 * time.Second, DownloadTimeout: 5 * time.Second})
	engine := New(f, b, Options{Arch: "amd64", DownloadDir: dir})

	entry := source.NewEntry(srv.URL, "stable", []string{"main"}, nil, true, "", false, "amd64")

	_, err := engine.Refresh(context.Background(), []*source.Entry{entry})
	assert.Error(t, err)
}
