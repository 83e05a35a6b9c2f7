package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/nodepm/nodepm/registry"
)

// ErrRegistryUnavailable is returned when a host's circuit breaker is open.
var ErrRegistryUnavailable = fmt.Errorf("fetch: registry unavailable")

// breakerClass distinguishes the two request shapes a registry host serves:
// metadata lookups sit on the critical path of every dependency in a
// resolve pass and are cheap to retry, while tarball downloads are large,
// infrequent, and often served from a CDN host that tolerates more
// transient failures before a human would call it "down".
type breakerClass int

const (
	classMetadata breakerClass = iota
	classTarball
)

// CircuitBreakerOptions tunes how aggressively each request class trips its
// breaker. The metadata defaults trip after few failures and recover
// quickly, since a resolve pass issues many small metadata requests against
// the same host and a stuck one stalls every package behind it. The
// tarball defaults tolerate more failures before tripping and wait longer
// before probing again, since a tarball download is expensive to retry and
// CDN hosts see more transient 5xx noise than the registry API itself.
type CircuitBreakerOptions struct {
	MetadataFailureThreshold int
	MetadataResetInterval    time.Duration
	MetadataMaxResetInterval time.Duration

	TarballFailureThreshold int
	TarballResetInterval    time.Duration
	TarballMaxResetInterval time.Duration
}

func defaultCircuitBreakerOptions() CircuitBreakerOptions {
	return CircuitBreakerOptions{
		MetadataFailureThreshold: 3,
		MetadataResetInterval:    10 * time.Second,
		MetadataMaxResetInterval: time.Minute,

		TarballFailureThreshold: 5,
		TarballResetInterval:    30 * time.Second,
		TarballMaxResetInterval: 5 * time.Minute,
	}
}

// CircuitBreakerRegistry wraps a registry.Registry with a per-host circuit
// breaker, so a flaky or down host stops taking requests after repeated
// failures instead of letting every resolution and fetch queue up behind
// the same timeout. Metadata and tarball traffic are tripped independently
// per host, since a CDN host outage for tarballs shouldn't block resolving
// metadata from the registry API, and vice versa.
type CircuitBreakerRegistry struct {
	inner *registry.Registry
	opts  CircuitBreakerOptions

	mu       sync.RWMutex
	breakers map[breakerKey]*circuit.Breaker
}

type breakerKey struct {
	host  string
	class breakerClass
}

// CircuitBreakerOption configures a CircuitBreakerRegistry.
type CircuitBreakerOption func(*CircuitBreakerOptions)

// WithMetadataTripPolicy overrides the metadata breaker's threshold and
// reset schedule.
func WithMetadataTripPolicy(failureThreshold int, resetInterval, maxResetInterval time.Duration) CircuitBreakerOption {
	return func(o *CircuitBreakerOptions) {
		o.MetadataFailureThreshold = failureThreshold
		o.MetadataResetInterval = resetInterval
		o.MetadataMaxResetInterval = maxResetInterval
	}
}

// WithTarballTripPolicy overrides the tarball breaker's threshold and reset
// schedule.
func WithTarballTripPolicy(failureThreshold int, resetInterval, maxResetInterval time.Duration) CircuitBreakerOption {
	return func(o *CircuitBreakerOptions) {
		o.TarballFailureThreshold = failureThreshold
		o.TarballResetInterval = resetInterval
		o.TarballMaxResetInterval = maxResetInterval
	}
}

// NewCircuitBreakerRegistry wraps inner with per-host, per-class circuit
// breaking.
func NewCircuitBreakerRegistry(inner *registry.Registry, opts ...CircuitBreakerOption) *CircuitBreakerRegistry {
	o := defaultCircuitBreakerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CircuitBreakerRegistry{
		inner:    inner,
		opts:     o,
		breakers: make(map[breakerKey]*circuit.Breaker),
	}
}

func (cb *CircuitBreakerRegistry) getBreaker(host string, class breakerClass) *circuit.Breaker {
	key := breakerKey{host: host, class: class}

	cb.mu.RLock()
	breaker, exists := cb.breakers[key]
	cb.mu.RUnlock()
	if exists {
		return breaker
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if breaker, exists := cb.breakers[key]; exists {
		return breaker
	}

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    cb.backoffFor(class),
		ShouldTrip: circuit.ThresholdTripFunc(int64(cb.thresholdFor(class))),
	})
	cb.breakers[key] = breaker
	return breaker
}

func (cb *CircuitBreakerRegistry) thresholdFor(class breakerClass) int {
	if class == classTarball {
		return cb.opts.TarballFailureThreshold
	}
	return cb.opts.MetadataFailureThreshold
}

func (cb *CircuitBreakerRegistry) backoffFor(class breakerClass) *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	if class == classTarball {
		eb.InitialInterval = cb.opts.TarballResetInterval
		eb.MaxInterval = cb.opts.TarballMaxResetInterval
	} else {
		eb.InitialInterval = cb.opts.MetadataResetInterval
		eb.MaxInterval = cb.opts.MetadataMaxResetInterval
	}
	eb.Multiplier = 2.0
	eb.Reset()
	return eb
}

// GetAbbreviated fetches abbreviated metadata, guarded by the metadata
// breaker for the registry's host.
func (cb *CircuitBreakerRegistry) GetAbbreviated(ctx context.Context, name string) (*registry.AbbreviatedDocument, error) {
	host := cb.inner.BaseHost()
	breaker := cb.getBreaker(host, classMetadata)
	if !breaker.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrRegistryUnavailable, host)
	}

	var doc *registry.AbbreviatedDocument
	err := breaker.Call(func() error {
		d, err := cb.inner.GetAbbreviated(ctx, name)
		doc = d
		return err
	}, 0)
	return doc, err
}

// GetFull fetches full metadata, guarded the same way as GetAbbreviated.
func (cb *CircuitBreakerRegistry) GetFull(ctx context.Context, name string) (*registry.AbbreviatedDocument, error) {
	host := cb.inner.BaseHost()
	breaker := cb.getBreaker(host, classMetadata)
	if !breaker.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrRegistryUnavailable, host)
	}

	var doc *registry.AbbreviatedDocument
	err := breaker.Call(func() error {
		d, err := cb.inner.GetFull(ctx, name)
		doc = d
		return err
	}, 0)
	return doc, err
}

// DownloadTarball downloads a tarball, guarded by the tarball breaker for
// the tarball URL's own host, which commonly differs from the metadata
// host behind a CDN.
func (cb *CircuitBreakerRegistry) DownloadTarball(ctx context.Context, tarballURL string) (io.ReadCloser, error) {
	host := extractHost(tarballURL)
	breaker := cb.getBreaker(host, classTarball)
	if !breaker.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrRegistryUnavailable, host)
	}

	var body io.ReadCloser
	err := breaker.Call(func() error {
		b, err := cb.inner.DownloadTarball(ctx, tarballURL)
		body = b
		return err
	}, 0)
	return body, err
}

// extractHost pulls the host out of a tarball URL for breaker grouping,
// falling back to the raw URL (truncated) if it doesn't parse.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}

// State reports the open/closed state of every breaker this registry has
// created so far, keyed by "host metadata" or "host tarball".
func (cb *CircuitBreakerRegistry) State() map[string]string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	states := make(map[string]string, len(cb.breakers))
	for key, breaker := range cb.breakers {
		label := key.host + " metadata"
		if key.class == classTarball {
			label = key.host + " tarball"
		}
		if breaker.Tripped() {
			states[label] = "open"
		} else {
			states[label] = "closed"
		}
	}
	return states
}
