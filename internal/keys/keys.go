// Package keys resolves the API key to use for a source. Manifests bind
// keys by reference, never by value; references are resolved at use time
// and cached briefly so hot paths do not hit the filesystem per slot.
package keys

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/summarybot/archivist/internal/source"
)

// Cache lifetimes. Resolved key material goes stale quickly so rotations
// propagate; validation verdicts are far more expensive to obtain and
// can live longer.
const (
	keyTTL        = 5 * time.Minute
	validationTTL = time.Hour
)

// Validator checks a key against its provider. Nil disables validation.
type Validator func(key string) error

type cachedKey struct {
	value   string
	expires time.Time
}

type cachedVerdict struct {
	err     error
	expires time.Time
}

// Resolver turns key references into key material.
type Resolver struct {
	defaultKey string
	logger     *slog.Logger
	validate   Validator

	mu      sync.Mutex
	keys    map[string]cachedKey
	checked map[string]cachedVerdict
	now     func() time.Time
}

func NewResolver(defaultKey string, validate Validator, logger *slog.Logger) *Resolver {
	return &Resolver{
		defaultKey: defaultKey,
		logger:     logger,
		validate:   validate,
		keys:       map[string]cachedKey{},
		checked:    map[string]cachedVerdict{},
		now:        func() time.Time { return time.Now() },
	}
}

// Provenance levels for a resolved key.
const (
	SourceChannel = "channel"
	SourceServer  = "server"
	SourceDefault = "default"
)

// Resolution is a resolved key plus where it came from. The provenance
// is recorded in sidecars and the cost ledger; the key material never is.
type Resolution struct {
	Key    string
	Source string // channel, server, or default
	KeyRef string // the reference that produced the key, empty for default
}

// ForSource picks the key for a source given its manifest chain: the
// channel manifest wins, then the server manifest, then the default key.
// A channel bind with use_server_key defers to the server bind.
func (r *Resolver) ForSource(src source.Source, channel, server *source.Manifest) (Resolution, error) {
	bind, level := effectiveBind(channel, server)
	if bind == nil || bind.KeyRef == "" {
		if r.defaultKey == "" {
			return Resolution{}, fmt.Errorf("no key bound for %s and no default key configured", src.Key())
		}
		return Resolution{Key: r.defaultKey, Source: SourceDefault}, nil
	}

	key, err := r.Resolve(bind.KeyRef)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve key for %s: %w", src.Key(), err)
	}
	return Resolution{Key: key, Source: level, KeyRef: bind.KeyRef}, nil
}

func effectiveBind(channel, server *source.Manifest) (*source.KeyBind, string) {
	if channel != nil && channel.APIKey != nil && channel.APIKey.Enabled {
		if !channel.APIKey.UseServerKey {
			return channel.APIKey, SourceChannel
		}
		// fall through to the server bind
	}
	if server != nil && server.APIKey != nil && server.APIKey.Enabled {
		return server.APIKey, SourceServer
	}
	return nil, ""
}

// Resolve dereferences a key reference. Supported schemes:
//
//	env:NAME        read the environment variable NAME
//	file:/path      read the first line of a file
//	vault:path      no vault integration; resolved via the environment
//	                variable derived from the path
func (r *Resolver) Resolve(ref string) (string, error) {
	r.mu.Lock()
	if c, ok := r.keys[ref]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return c.value, nil
	}
	r.mu.Unlock()

	value, err := r.resolve(ref)
	if err != nil {
		return "", err
	}
	if r.validate != nil {
		if err := r.checkValid(ref, value); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	r.keys[ref] = cachedKey{value: value, expires: r.now().Add(keyTTL)}
	r.mu.Unlock()
	return value, nil
}

func (r *Resolver) resolve(ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", fmt.Errorf("key reference %q has no scheme", ref)
	}

	switch scheme {
	case "env":
		v := os.Getenv(rest)
		if v == "" {
			return "", fmt.Errorf("key reference %q: environment variable not set", ref)
		}
		return v, nil

	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("key reference %q: %w", ref, err)
		}
		v := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		if v == "" {
			return "", fmt.Errorf("key reference %q: file is empty", ref)
		}
		return v, nil

	case "vault":
		// No live vault client; the path maps onto an environment
		// variable (secret/data/openrouter -> SECRET_DATA_OPENROUTER).
		name := strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", "#", "_").Replace(rest))
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("key reference %q: fallback variable %s not set", ref, name)
		}
		r.logger.Debug("vault reference resolved via environment", "ref", ref, "var", name)
		return v, nil

	default:
		return "", fmt.Errorf("key reference %q: unknown scheme %q", ref, scheme)
	}
}

func (r *Resolver) checkValid(ref, value string) error {
	r.mu.Lock()
	if v, ok := r.checked[ref]; ok && r.now().Before(v.expires) {
		r.mu.Unlock()
		return v.err
	}
	r.mu.Unlock()

	err := r.validate(value)
	if err != nil {
		r.logger.Warn("key failed validation", "ref", ref, "error", err)
	}

	r.mu.Lock()
	r.checked[ref] = cachedVerdict{err: err, expires: r.now().Add(validationTTL)}
	r.mu.Unlock()
	return err
}

// Invalidate drops any cached material for ref, forcing re-resolution.
func (r *Resolver) Invalidate(ref string) {
	r.mu.Lock()
	delete(r.keys, ref)
	delete(r.checked, ref)
	r.mu.Unlock()
}
