package lockfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nodepm/nodepm/resolve"
)

func sampleFlat() map[string]*resolve.ResolvedPackage {
	return map[string]*resolve.ResolvedPackage{
		"leftpad@1.0.0": {
			Name: "leftpad", Version: "1.0.0",
			TarballURL: "https://registry.example/leftpad-1.0.0.tgz",
			Integrity:  "sha512-aaaa",
		},
		"@scope/tool@2.0.0": {
			Name: "@scope/tool", Version: "2.0.0",
			TarballURL:   "https://registry.example/scope-tool-2.0.0.tgz",
			Integrity:    "sha512-bbbb",
			Dependencies: map[string]string{"leftpad": "^1.0.0"},
			Bin:          map[string]string{"tool": "bin/cli.js"},
			Dev:          true,
		},
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")

	deps := map[string]string{"@scope/tool": "^2.0.0"}
	devDeps := map[string]string{"leftpad": "^1.0.0"}
	if err := m.Write(sampleFlat(), deps, devDeps); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lf, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if lf == nil {
		t.Fatal("expected a decoded lockfile, got nil")
	}
	if lf.Version != currentSchema {
		t.Errorf("Version = %d, want %d", lf.Version, currentSchema)
	}
	rec, ok := lf.Packages["leftpad@1.0.0"]
	if !ok {
		t.Fatal("expected leftpad@1.0.0 in Packages")
	}
	if rec.Integrity != "sha512-aaaa" {
		t.Errorf("Integrity = %q", rec.Integrity)
	}
	if rec.Dev {
		t.Error("leftpad record should not carry Dev=true")
	}
	toolRec := lf.Packages["@scope/tool@2.0.0"]
	if !toolRec.Dev {
		t.Error("expected @scope/tool record to carry Dev=true")
	}
}

func TestWriteIsDeterministicallyFormatted(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")
	if err := m.Write(sampleFlat(), map[string]string{"@scope/tool": "^2.0.0"}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "package-lock.json"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\n\n") {
		t.Error("expected exactly one trailing newline")
	}
	if !strings.Contains(text, "\n  \"") {
		t.Error("expected two-space indentation")
	}
}

func TestReadMissingFileReturnsNilWithoutError(t *testing.T) {
	m := New(t.TempDir(), "")
	lf, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if lf != nil {
		t.Fatalf("expected nil lockfile for a missing file, got %+v", lf)
	}
}

func TestReadRejectsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "package-lock.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"dependencies":{},"devDependencies":{},"packages":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(dir, "").Read()
	var mismatch *SchemaMismatchError
	if err == nil {
		t.Fatal("expected a schema mismatch error")
	}
	if !asSchemaMismatch(err, &mismatch) {
		t.Fatalf("expected *SchemaMismatchError, got %T: %v", err, err)
	}
	if mismatch.Found != 99 {
		t.Errorf("Found = %d, want 99", mismatch.Found)
	}
}

func asSchemaMismatch(err error, target **SchemaMismatchError) bool {
	m, ok := err.(*SchemaMismatchError)
	if !ok {
		return false
	}
	*target = m
	return true
}

func TestToResolvedSplitsScopedKeys(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")
	if err := m.Write(sampleFlat(), map[string]string{"@scope/tool": "^2.0.0"}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lf, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}

	flat := ToResolved(lf)
	rec, ok := flat["@scope/tool@2.0.0"]
	if !ok {
		t.Fatal("expected @scope/tool@2.0.0 in resolved map")
	}
	if rec.Name != "@scope/tool" {
		t.Errorf("Name = %q, want @scope/tool", rec.Name)
	}
	if rec.PeerDependencies == nil {
		t.Error("expected ToResolved to restore an empty (non-nil) PeerDependencies map")
	}
}

func TestToResolvedRebuildsRequiredByFromDependencyEdges(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")
	if err := m.Write(sampleFlat(), map[string]string{"@scope/tool": "^2.0.0"}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lf, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}

	flat := ToResolved(lf)
	if !flat["@scope/tool@2.0.0"].RequiredBy[""] {
		t.Error("expected @scope/tool@2.0.0 to be required by the root")
	}
	if !flat["leftpad@1.0.0"].RequiredBy["@scope/tool@2.0.0"] {
		t.Error("expected leftpad@1.0.0 to be required by @scope/tool@2.0.0, not the root")
	}
	if flat["leftpad@1.0.0"].RequiredBy[""] {
		t.Error("leftpad is only reachable transitively; it should not carry a root requirement")
	}
}

func TestToResolvedNestsConflictingVersionUnderItsRequirer(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")

	flat := map[string]*resolve.ResolvedPackage{
		"app-dep@1.0.0": {
			Name: "app-dep", Version: "1.0.0",
			Dependencies: map[string]string{"leftpad": "^2.0.0"},
		},
		"leftpad@1.0.0": {Name: "leftpad", Version: "1.0.0"},
		"leftpad@2.0.0": {Name: "leftpad", Version: "2.0.0"},
	}
	deps := map[string]string{"app-dep": "^1.0.0", "leftpad": "^1.0.0"}
	if err := m.Write(flat, deps, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lf, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}
	resolved := ToResolved(lf)

	if !resolved["leftpad@1.0.0"].RequiredBy[""] {
		t.Error("expected leftpad@1.0.0 to be required directly by the root")
	}
	if !resolved["leftpad@2.0.0"].RequiredBy["app-dep@1.0.0"] {
		t.Error("expected leftpad@2.0.0 to be required by app-dep@1.0.0, not the root")
	}
	if resolved["leftpad@2.0.0"].RequiredBy[""] {
		t.Error("leftpad@2.0.0 should not be marked as a root requirement")
	}
}

func TestIsUpToDateDetectsAdditionsAndRemovals(t *testing.T) {
	lf := &Lockfile{
		Dependencies:    map[string]string{"a": "^1.0.0"},
		DevDependencies: map[string]string{},
	}
	if !lf.IsUpToDate(map[string]string{"a": "^1.0.0"}, map[string]string{}) {
		t.Error("expected matching ranges to be up to date")
	}
	if lf.IsUpToDate(map[string]string{"a": "^1.0.0", "b": "^1.0.0"}, map[string]string{}) {
		t.Error("expected an added dependency to mark the lockfile stale")
	}
	if lf.IsUpToDate(map[string]string{"a": "^2.0.0"}, map[string]string{}) {
		t.Error("expected a changed range to mark the lockfile stale")
	}
}

func TestPURLsDerivesScopedIdentity(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")
	if err := m.Write(sampleFlat(), map[string]string{"@scope/tool": "^2.0.0"}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lf, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}
	purl := lf.PURLs()["@scope/tool@2.0.0"]
	if !strings.HasPrefix(purl, "pkg:npm/") || !strings.Contains(purl, "scope") || !strings.Contains(purl, "tool@2.0.0") {
		t.Errorf("unexpected purl for @scope/tool@2.0.0: %q", purl)
	}
}

func TestManagerPackagesPairsRecordsWithPURLs(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "")
	if err := m.Write(sampleFlat(), map[string]string{"@scope/tool": "^2.0.0"}, map[string]string{"leftpad": "^1.0.0"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	records, err := m.Packages()
	if err != nil {
		t.Fatalf("Packages: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	for _, r := range records {
		if r.PURL == "" {
			t.Errorf("%s: expected a non-empty derived PURL", r.Key)
		}
	}
}

func TestManagerPackagesReturnsNilWithoutLockfile(t *testing.T) {
	m := New(t.TempDir(), "")
	records, err := m.Packages()
	if err != nil {
		t.Fatalf("Packages: %v", err)
	}
	if records != nil {
		t.Fatalf("expected nil records without a lockfile, got %v", records)
	}
}
