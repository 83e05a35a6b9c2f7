package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nodepm/nodepm/internal/manifest"
	"github.com/nodepm/nodepm/registry"
)

func fixtureBodies() map[string]string {
	return map[string]string{
		"A": `{"name":"A","dist-tags":{"latest":"1.1.0"},"versions":{
			"1.0.0": {"name":"A","version":"1.0.0","dependencies":{"B":"^1.0.0"},"dist":{"tarball":"http://x/A-1.0.0.tgz","integrity":"sha512-aaaa"}},
			"1.1.0": {"name":"A","version":"1.1.0","dependencies":{"B":"^1.0.0","C":"^2.0.0"},"dist":{"tarball":"http://x/A-1.1.0.tgz","integrity":"sha512-bbbb"}}
		}}`,
		"B": `{"name":"B","dist-tags":{"latest":"1.0.5"},"versions":{
			"1.0.0": {"name":"B","version":"1.0.0","dist":{"tarball":"http://x/B-1.0.0.tgz","integrity":"sha512-cccc"}},
			"1.0.5": {"name":"B","version":"1.0.5","dist":{"tarball":"http://x/B-1.0.5.tgz","integrity":"sha512-dddd"}}
		}}`,
		"C": `{"name":"C","dist-tags":{"latest":"2.0.1"},"versions":{
			"2.0.1": {"name":"C","version":"2.0.1","dist":{"tarball":"http://x/C-2.0.1.tgz","integrity":"sha512-eeee"}}
		}}`,
	}
}

func newFixtureRegistry(t *testing.T, bodies map[string]string) *registry.Registry {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[1:]
		body, ok := bodies[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	client := registry.NewClient(registry.WithHTTPClient(server.Client()), registry.WithMaxRetries(0))
	return registry.NewRegistry(client, server.URL, "")
}

func TestResolveFlatSetAndTransitiveBump(t *testing.T) {
	reg := newFixtureRegistry(t, fixtureBodies())
	r := New(reg, nil, Options{})

	m := &manifest.Manifest{Dependencies: map[string]string{"A": "^1.0.0"}}
	result, err := r.Resolve(context.Background(), m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}

	want := map[string]string{"A@1.1.0": "", "B@1.0.5": "", "C@2.0.1": ""}
	if len(result.Flat) != len(want) {
		t.Fatalf("flat set = %v, want keys %v", keysOf(result.Flat), keysOf(want))
	}
	for key := range want {
		if _, ok := result.Flat[key]; !ok {
			t.Errorf("expected flat set to contain %s", key)
		}
	}
	if result.DirectHints["A"] != "1.1.0" {
		t.Errorf("DirectHints[A] = %q, want 1.1.0", result.DirectHints["A"])
	}
}

func TestResolveNoSatisfyingVersionIsAnError(t *testing.T) {
	reg := newFixtureRegistry(t, fixtureBodies())
	r := New(reg, nil, Options{})

	m := &manifest.Manifest{Dependencies: map[string]string{"A": "^9.0.0"}}
	result, err := r.Resolve(context.Background(), m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected a no-satisfying-version error")
	}
}

func TestResolveOptionalDependencyFailureBecomesWarning(t *testing.T) {
	reg := newFixtureRegistry(t, fixtureBodies())
	r := New(reg, nil, Options{})

	m := &manifest.Manifest{OptionalDependencies: map[string]string{"missing-pkg": "^1.0.0"}}
	result, err := r.Resolve(context.Background(), m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no hard errors, got %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected the missing optional dependency to produce a warning")
	}
}

func TestUnwrapAliasBareForm(t *testing.T) {
	name, rng := unwrapAlias("aliased", "npm:B")
	if name != "B" || rng != "*" {
		t.Errorf("unwrapAlias bare form = (%q,%q), want (B,*)", name, rng)
	}
}

func TestUnwrapAliasWithRange(t *testing.T) {
	name, rng := unwrapAlias("aliased", "npm:B@^1.0.0")
	if name != "B" || rng != "^1.0.0" {
		t.Errorf("unwrapAlias = (%q,%q), want (B,^1.0.0)", name, rng)
	}
}

func TestUnwrapAliasScopedTarget(t *testing.T) {
	name, rng := unwrapAlias("aliased", "npm:@scope/real@^2.0.0")
	if name != "@scope/real" || rng != "^2.0.0" {
		t.Errorf("unwrapAlias scoped = (%q,%q), want (@scope/real,^2.0.0)", name, rng)
	}
}

func TestNormalizeBinStringForm(t *testing.T) {
	bin := normalizeBin("@scope/tool", registry.BinField{Raw: map[string]string{"": "bin/cli.js"}})
	if bin["tool"] != "bin/cli.js" {
		t.Errorf("normalizeBin string form = %v, want tool->bin/cli.js", bin)
	}
}

func keysOf[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
