package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "package.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDecodesDependencyMaps(t *testing.T) {
	path := writeManifest(t, `{
		"name": "app",
		"version": "1.0.0",
		"dependencies": {"leftpad": "^1.0.0"},
		"devDependencies": {"tap": "^16.0.0"},
		"optionalDependencies": {"fsevents": "^2.0.0"},
		"peerDependencies": {"react": "^18.0.0"},
		"peerDependenciesMeta": {"react": {"optional": true}},
		"bin": "bin/cli.js",
		"scripts": {"postinstall": "echo done"}
	}`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if m.Dependencies["leftpad"] != "^1.0.0" {
		t.Errorf("Dependencies[leftpad] = %q", m.Dependencies["leftpad"])
	}
	if m.DevDependencies["tap"] != "^16.0.0" {
		t.Errorf("DevDependencies[tap] = %q", m.DevDependencies["tap"])
	}
	if !m.IsPeerOptional("react") {
		t.Error("expected react to be an optional peer")
	}
	if m.Bin.Raw[""] != "bin/cli.js" {
		t.Errorf("Bin string form not decoded: %+v", m.Bin.Raw)
	}
	if m.Scripts["postinstall"] != "echo done" {
		t.Error("expected scripts to be decoded (even though never executed)")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing manifest file")
	}
}

func TestValidateLicenseEmptyAndUnlicensedAreFine(t *testing.T) {
	if err := ValidateLicense(""); err != nil {
		t.Errorf("empty license should be valid, got %v", err)
	}
	if err := ValidateLicense("UNLICENSED"); err != nil {
		t.Errorf("UNLICENSED should be valid, got %v", err)
	}
}
