package provision

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nzboot/pkg/errs"
	"nzboot/pkg/internal/testoutput"
	"nzboot/pkg/logging"
)

func quiet(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func testFetcher() *HTTPFetcher {
	f := NewHTTPFetcher(3)
	f.Backoff = time.Millisecond
	f.MaxBackoff = 5 * time.Millisecond
	return f
}

func TestBucket(t *testing.T) {
	cases := map[string]string{
		"x86_64":  ArchAMD64,
		"amd64":   ArchAMD64,
		"AMD64":   ArchAMD64,
		"aarch64": ArchARM64,
		"arm64":   ArchARM64,
		"armv7l":  ArchARM64,
		"i686":    ArchARM64,
		"":        ArchARM64,
	}
	for machine, want := range cases {
		assert.Equal(t, want, Bucket(machine), machine)
	}
	assert.Contains(t, []string{ArchAMD64, ArchARM64}, HostArch())
}

func TestLocator(t *testing.T) {
	p := New(t.TempDir(), "nezha-agent", "nezha.zip", "https://example.com/download/", nil)
	assert.Equal(t, "https://example.com/download/nezha-agent_linux_arm64.zip", p.Locator(ArchARM64))
	assert.Equal(t, "https://example.com/download/nezha-agent_linux_amd64.zip", p.Locator(ArchAMD64))
}

func TestProvision(t *testing.T) {
	quiet(t)
	payload := zipOf(t, map[string]string{"nezha-agent": "#!/bin/sh\nexit 0\n"})
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	// Stale leftovers are replaced.
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "nezha-agent"), []byte("old"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "nezha.zip"), []byte("old"), 0644))

	p := New(dir, "nezha-agent", "nezha.zip", srv.URL+"/", testFetcher())
	p.Arch = func() string { return ArchAMD64 }

	bin, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nezha-agent"), bin)
	assert.Equal(t, "/nezha-agent_linux_amd64.zip", requested)

	body, err := ioutil.ReadFile(bin)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nexit 0\n", string(body))
	info, err := os.Stat(bin)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestProvisionFetchFailure(t *testing.T) {
	quiet(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := New(t.TempDir(), "nezha-agent", "nezha.zip", srv.URL+"/", testFetcher())
	p.Arch = func() string { return ArchARM64 }

	_, err := p.Provision(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.FetchFailure, errs.Classify(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestProvisionRetriesTransientFailure(t *testing.T) {
	quiet(t)
	payload := zipOf(t, map[string]string{"nezha-agent": "bin"})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	p := New(t.TempDir(), "nezha-agent", "nezha.zip", srv.URL+"/", testFetcher())
	p.Arch = func() string { return ArchARM64 }

	_, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestProvisionDeadline(t *testing.T) {
	quiet(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := testFetcher()
	f.Attempts = 1
	p := New(t.TempDir(), "nezha-agent", "nezha.zip", srv.URL+"/", f)
	p.Arch = func() string { return ArchARM64 }
	p.Deadline = 50 * time.Millisecond

	_, err := p.Provision(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.FetchFailure, errs.Classify(err))
}

func TestProvisionExtractFailure(t *testing.T) {
	quiet(t)
	for name, payload := range map[string][]byte{
		"not a zip":      []byte("definitely not a zip"),
		"missing binary": zipOf(t, map[string]string{"README.md": "hi"}),
		"escaping entry": zipOf(t, map[string]string{"../nezha-agent": "evil"}),
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(payload)
			}))
			defer srv.Close()

			dir := filepath.Join(t.TempDir(), "work")
			require.NoError(t, os.Mkdir(dir, 0755))
			p := New(dir, "nezha-agent", "nezha.zip", srv.URL+"/", testFetcher())
			p.Arch = func() string { return ArchARM64 }

			_, err := p.Provision(context.Background())
			require.Error(t, err)
			assert.Equal(t, errs.ExtractFailure, errs.Classify(err))
			_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "nezha-agent"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestProvisionKeepBinary(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "nezha-agent"), []byte("kept"), 0644))

	p := New(dir, "nezha-agent", "nezha.zip", "http://127.0.0.1:1/", nil)
	p.KeepBinary = true

	bin, err := p.Provision(context.Background())
	require.NoError(t, err)
	body, err := ioutil.ReadFile(bin)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(body))
}

type staticFetcher struct {
	body  string
	calls int
}

func (s *staticFetcher) Fetch(_ context.Context, _, dest string) error {
	s.calls++
	return ioutil.WriteFile(dest, []byte(s.body), 0644)
}

func TestEnsureScript(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "argosbx.sh")

	err := EnsureScript(context.Background(), &staticFetcher{}, path, "")
	assert.Equal(t, errs.SourceAbsent, errs.Classify(err))

	f := &staticFetcher{body: "echo hi\n"}
	require.NoError(t, EnsureScript(context.Background(), f, path, "https://example.com/argosbx.sh"))
	assert.Equal(t, 1, f.calls)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	// Present scripts are left alone.
	require.NoError(t, EnsureScript(context.Background(), f, path, "https://example.com/argosbx.sh"))
	assert.Equal(t, 1, f.calls)
}
