package topic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifestJSON(topics ...Topic) []byte {
	data, _ := json.Marshal(Manifest{Topics: topics})
	return data
}

func TestAddRequiresKnownTopic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(manifestJSON(Topic{Name: "edge", Packages: []string{"oma"}}))
	}))
	defer srv.Close()

	m := New(t.TempDir(), "amd64", &HTTPSource{URL: srv.URL})
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Add("edge", false))
	assert.ErrorIs(t, m.Add("edge", false), ErrAlreadyEnabled)
	assert.ErrorIs(t, m.Add("unknown-topic", false), ErrUnknownTopic)
}

func TestAddPersistsAcrossLoad(t *testing.T) {
	sysroot := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(manifestJSON(Topic{Name: "edge", Packages: []string{"oma"}}))
	}))
	defer srv.Close()

	m := New(sysroot, "amd64", &HTTPSource{URL: srv.URL})
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Add("edge", false))

	m2 := New(sysroot, "amd64", &HTTPSource{URL: srv.URL})
	require.NoError(t, m2.Load())
	_, err = m2.Refresh(context.Background())
	require.NoError(t, err)

	names := make([]string, 0)
	for _, topic := range m2.EnabledTopics() {
		names = append(names, topic.Name)
	}
	assert.Contains(t, names, "edge")
}

func TestRefreshMarksVanishedTopicClosed(t *testing.T) {
	sysroot := t.TempDir()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	body = manifestJSON(Topic{Name: "edge", Packages: []string{"oma"}})
	m := New(sysroot, "amd64", &HTTPSource{URL: srv.URL})
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Add("edge", false))
	assert.False(t, m.IsClosed("edge"))

	body = manifestJSON() // topic dropped upstream
	closedTopics, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, m.IsClosed("edge"))
	require.Len(t, closedTopics, 1)
	assert.Equal(t, []string{"oma"}, closedTopics[0].Packages)

	// Already-reported closures aren't handed back again on a later Refresh.
	again, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)

	removed, err := m.Remove("edge", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"oma"}, removed.Packages)
	assert.False(t, m.IsClosed("edge"))
}

func TestRemoveUnknownFails(t *testing.T) {
	m := New(t.TempDir(), "amd64", nil)
	_, err := m.Remove("never-enabled", false)
	assert.ErrorIs(t, err, ErrAlreadyDisabled)
}

func TestWriteEnabledRendersFragmentForActiveTopicsOnly(t *testing.T) {
	sysroot := t.TempDir()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	body = manifestJSON(
		Topic{Name: "edge", Packages: []string{"oma"}},
		Topic{Name: "staging", Packages: []string{"oma-utils"}},
	)
	m := New(sysroot, "amd64", &HTTPSource{URL: srv.URL})
	m.BaseURL = "https://topics.example.org"
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Add("edge", false))
	require.NoError(t, m.Add("staging", false))

	body = manifestJSON(Topic{Name: "edge", Packages: []string{"oma"}}) // staging closed
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := m.WriteEnabled(dir, "oma topics", false)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "do not edit by hand")
	assert.Contains(t, content, "deb https://topics.example.org edge main")
	assert.NotContains(t, content, "staging")
	assert.Equal(t, filepath.Join(dir, "oma-topics.list"), path)
}

func TestWriteEnabledDryRunDoesNotTouchDisk(t *testing.T) {
	sysroot := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(manifestJSON(Topic{Name: "edge", Packages: []string{"oma"}}))
	}))
	defer srv.Close()

	m := New(sysroot, "amd64", &HTTPSource{URL: srv.URL})
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Add("edge", false))

	dir := t.TempDir()
	out, err := m.WriteEnabled(dir, "oma topics", true)
	require.NoError(t, err)
	assert.Contains(t, out, "edge")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
