package registry

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

const (
	// DefaultURL is the default npm registry base URL.
	DefaultURL = "https://registry.npmjs.org"

	abbreviatedAccept = "application/vnd.npm.install-v1+json"
	fullAccept         = "application/json"
)

// DistInfo is the "dist" sub-record of a version's metadata.
type DistInfo struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum"`
	Integrity string `json:"integrity"`
}

// SynthesizedIntegrity returns Integrity, or a "sha1-" integrity string
// built from Shasum when Integrity is absent, per the integrity-synthesis
// rule for older registry records. Shasum is hex, so it is re-encoded as
// base64 to match the form integrity.Verify compares against.
func (d DistInfo) SynthesizedIntegrity() string {
	if d.Integrity != "" {
		return d.Integrity
	}
	if d.Shasum != "" {
		if raw, err := hex.DecodeString(d.Shasum); err == nil {
			return "sha1-" + base64.StdEncoding.EncodeToString(raw)
		}
		return "sha1-" + d.Shasum
	}
	return ""
}

// PeerMeta marks an individual peer dependency optional.
type PeerMeta struct {
	Optional bool `json:"optional"`
}

// VersionRecord is one entry in an AbbreviatedDocument's "versions" map.
type VersionRecord struct {
	Name                 string              `json:"name"`
	Version              string              `json:"version"`
	Dependencies         map[string]string   `json:"dependencies"`
	DevDependencies      map[string]string   `json:"devDependencies"`
	OptionalDependencies map[string]string   `json:"optionalDependencies"`
	PeerDependencies     map[string]string   `json:"peerDependencies"`
	PeerDependenciesMeta map[string]PeerMeta `json:"peerDependenciesMeta"`
	Bin                  BinField            `json:"bin"`
	Deprecated           string              `json:"deprecated"`
	Dist                 DistInfo            `json:"dist"`
}

// AbbreviatedDocument is the registry's per-package metadata document:
// a version map plus dist-tags.
type AbbreviatedDocument struct {
	Name     string                   `json:"name"`
	DistTags map[string]string        `json:"dist-tags"`
	Versions map[string]VersionRecord `json:"versions"`
}

// BinField decodes npm's "bin" field, which is either a single path string
// (implying the unscoped package name as the bin name) or a name->path map.
type BinField struct {
	Raw map[string]string
}

// UnmarshalJSON accepts both the string and object forms of "bin".
func (b *BinField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		b.Raw = nil
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		b.Raw = map[string]string{"": s}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	b.Raw = m
	return nil
}

// Registry is an npm registry client: metadata and tarball access over a
// primary base URL with an optional once-per-lookup fallback.
type Registry struct {
	client     *Client
	baseURL    string
	fallback   string
}

// NewRegistry constructs an npm Registry. fallbackURL may be empty.
func NewRegistry(client *Client, baseURL, fallbackURL string) *Registry {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Registry{
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		fallback: strings.TrimSuffix(fallbackURL, "/"),
	}
}

// GetAbbreviated fetches the abbreviated metadata document for name,
// trying the fallback base URL once if the primary fails and a distinct
// fallback is configured.
func (r *Registry) GetAbbreviated(ctx context.Context, name string) (*AbbreviatedDocument, error) {
	return r.get(ctx, name, abbreviatedAccept)
}

// GetFull fetches the full metadata document for name (same shape as
// abbreviated in this client — the source registry's "full" document is a
// superset we don't otherwise model).
func (r *Registry) GetFull(ctx context.Context, name string) (*AbbreviatedDocument, error) {
	return r.get(ctx, name, fullAccept)
}

func (r *Registry) get(ctx context.Context, name, accept string) (*AbbreviatedDocument, error) {
	doc, err := r.getFrom(ctx, r.baseURL, name, accept)
	if err == nil {
		return doc, nil
	}

	if r.fallback != "" && r.fallback != r.baseURL {
		if doc2, err2 := r.getFrom(ctx, r.fallback, name, accept); err2 == nil {
			return doc2, nil
		}
	}

	if httpErr, ok := err.(*HTTPError); ok && httpErr.IsNotFound() {
		return nil, &NotFoundError{Name: name}
	}
	return nil, err
}

func (r *Registry) getFrom(ctx context.Context, base, name, accept string) (*AbbreviatedDocument, error) {
	reqURL := fmt.Sprintf("%s/%s", base, encodeName(name))
	var doc AbbreviatedDocument
	if err := r.client.GetJSON(ctx, reqURL, accept, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// BaseHost returns the host (with its port, if any) of the registry's primary base URL, for
// callers that key per-host state (circuit breakers, rate limiters) on it.
func (r *Registry) BaseHost() string {
	u, err := url.Parse(r.baseURL)
	if err != nil || u.Host == "" {
		return r.baseURL
	}
	return u.Host
}

// DownloadTarball streams a tarball from url. The caller must close it.
func (r *Registry) DownloadTarball(ctx context.Context, url string) (io.ReadCloser, error) {
	return r.client.GetTarball(ctx, url)
}

// encodeName URL-encodes a (possibly scoped) package name, preserving a
// leading "@" literally and escaping the "/" that separates scope from
// local name.
func encodeName(name string) string {
	if strings.HasPrefix(name, "@") {
		idx := strings.Index(name, "/")
		if idx < 0 {
			return url.PathEscape(name)
		}
		scope, local := name[:idx], name[idx+1:]
		return scope + "%2F" + url.PathEscape(local)
	}
	return url.PathEscape(name)
}
