package fetch

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nodepm/nodepm/internal/store"
	"github.com/nodepm/nodepm/internal/tarball"
	"github.com/nodepm/nodepm/registry"
)

// buildTarball writes a minimal package tree wrapped in "package/" to a
// gzip+ustar byte slice, the shape every npm tarball uses.
func buildTarball(t *testing.T) []byte {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "package.json"), []byte(`{"name":"leftpad","version":"1.0.0"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tarball.Create(&buf, src); err != nil {
		t.Fatalf("buildTarball: %v", err)
	}
	return buf.Bytes()
}

func integrityOf(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

// newTestFetcher spins up an httptest server serving handler at /tarball.tgz
// and returns a Fetcher wired to it plus that tarball's URL.
func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := registry.NewClient(registry.WithHTTPClient(server.Client()), registry.WithMaxRetries(0))
	reg := registry.NewRegistry(client, server.URL, "")
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(reg, st, t.TempDir()), server.URL + "/tarball.tgz"
}

func TestFetchOneDownloadsAndExtracts(t *testing.T) {
	data := buildTarball(t)
	wantIntegrity := integrityOf(data)

	f, tarballURL := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	})

	pkg := PackageToFetch{Name: "leftpad", Version: "1.0.0", Integrity: wantIntegrity, TarballURL: tarballURL}
	res, err := f.FetchOne(context.Background(), pkg)
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if res.FromCache {
		t.Error("expected a fresh extraction, not a cache hit")
	}

	pkgJSON := filepath.Join(res.Path, "package.json")
	if _, err := os.Stat(pkgJSON); err != nil {
		t.Errorf("expected %s to exist: %v", pkgJSON, err)
	}
}

func TestFetchOneCacheHit(t *testing.T) {
	data := buildTarball(t)
	wantIntegrity := integrityOf(data)
	requests := 0

	f, tarballURL := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write(data)
	})
	pkg := PackageToFetch{Name: "leftpad", Version: "1.0.0", Integrity: wantIntegrity, TarballURL: tarballURL}

	if _, err := f.FetchOne(context.Background(), pkg); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	res, err := f.FetchOne(context.Background(), pkg)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res.FromCache {
		t.Error("expected second FetchOne to be a store cache hit")
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1 (store entry should short-circuit the download)", requests)
	}
}

func TestFetchOneIntegrityMismatch(t *testing.T) {
	data := buildTarball(t)

	f, tarballURL := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	})
	pkg := PackageToFetch{
		Name:       "leftpad",
		Version:    "1.0.0",
		Integrity:  "sha512-" + base64.StdEncoding.EncodeToString(make([]byte, 64)),
		TarballURL: tarballURL,
	}

	if _, err := f.FetchOne(context.Background(), pkg); err == nil {
		t.Fatal("expected an integrity mismatch error")
	}
}

func TestFetchOneOfflineMissWithoutCache(t *testing.T) {
	data := buildTarball(t)
	wantIntegrity := integrityOf(data)
	requests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	client := registry.NewClient(registry.WithHTTPClient(server.Client()), registry.WithMaxRetries(0))
	reg := registry.NewRegistry(client, server.URL, "")
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := New(reg, st, t.TempDir(), WithOffline(true))

	pkg := PackageToFetch{Name: "leftpad", Version: "1.0.0", Integrity: wantIntegrity, TarballURL: server.URL + "/tarball.tgz"}
	_, err = f.FetchOne(context.Background(), pkg)
	var miss *OfflineMiss
	if !errors.As(err, &miss) {
		t.Fatalf("err = %v, want *OfflineMiss", err)
	}
	if requests != 0 {
		t.Errorf("requests = %d, want 0 (offline must never hit the network)", requests)
	}
}

func TestFetchOneOfflineSucceedsWhenTarballCached(t *testing.T) {
	data := buildTarball(t)
	wantIntegrity := integrityOf(data)
	requests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	client := registry.NewClient(registry.WithHTTPClient(server.Client()), registry.WithMaxRetries(0))
	reg := registry.NewRegistry(client, server.URL, "")
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tarballDir := t.TempDir()
	pkg := PackageToFetch{Name: "leftpad", Version: "1.0.0", Integrity: wantIntegrity, TarballURL: server.URL + "/tarball.tgz"}

	online := New(reg, st, tarballDir)
	if _, err := online.FetchOne(context.Background(), pkg); err != nil {
		t.Fatalf("priming fetch: %v", err)
	}

	st2, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	offline := New(reg, st2, tarballDir, WithOffline(true))
	if _, err := offline.FetchOne(context.Background(), pkg); err != nil {
		t.Fatalf("expected the tarball cache to satisfy an offline fetch: %v", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1 (only the priming fetch should hit the network)", requests)
	}

	wantCachePath := filepath.Join(tarballDir, "leftpad-1.0.0.tgz")
	if _, err := os.Stat(wantCachePath); err != nil {
		t.Errorf("expected the tarball cache file at %s (name-version, no hash suffix): %v", wantCachePath, err)
	}
}

func TestFetchAllReportsPerPackageResults(t *testing.T) {
	data := buildTarball(t)
	wantIntegrity := integrityOf(data)

	f, tarballURL := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	})

	pkgs := []PackageToFetch{
		{Name: "leftpad", Version: "1.0.0", Integrity: wantIntegrity, TarballURL: tarballURL},
		{Name: "rightpad", Version: "2.0.0", Integrity: wantIntegrity, TarballURL: tarballURL},
	}
	results := f.FetchAll(context.Background(), pkgs)

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for key, res := range results {
		if res.Warning != nil {
			t.Errorf("%s: unexpected warning: %v", key, res.Warning)
		}
	}
}
