// Package backend defines how dbt project and profile files move between local disk and a
// storage medium, and keeps the table of backend factories keyed by URI scheme.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
)

// ProfilesFile is the file name dbt reads profiles from.
const ProfilesFile = "profiles.yml"

// ErrNotImplemented is returned when no backend is registered for a scheme.
var ErrNotImplemented = errors.New("backend not implemented")

// PushOptions controls how a project is uploaded.
type PushOptions struct {
	// Replace overwrites files that already exist at the destination; otherwise they are kept.
	Replace bool
	// DeleteBefore removes everything under the destination before uploading.
	DeleteBefore bool
}

// Backend moves dbt files to and from one storage medium.
// Sources and destinations are plain strings so implementations decide their own format.
type Backend interface {
	// PullProfiles fetches profiles.yml (source is the file or its directory) into the local
	// directory destination and returns the local path of the fetched file.
	PullProfiles(ctx context.Context, source, destination string) (string, error)

	// PullProject fetches a project directory, or a .zip archive which is extracted, into the
	// local directory destination and returns the local project directory.
	PullProject(ctx context.Context, source, destination string) (string, error)

	// PushProject uploads the local project directory source to destination. A destination
	// ending in .zip receives a zip archive of the directory.
	PushProject(ctx context.Context, source, destination string, opts PushOptions) error

	// Name returns the backend identifier (e.g. "localfs", "s3").
	Name() string
}

// Env is what a factory may use to build a backend.
type Env struct {
	// Connections resolves the connection id handed to the factory. May be nil.
	Connections connection.Store
	Retry       retry.Options
}

// Connection looks id up in env.Connections. It reports false, without error, when id is empty,
// no store is configured or the connection does not exist.
func (e Env) Connection(ctx context.Context, id string) (connection.Connection, bool, error) {
	if id == "" || e.Connections == nil {
		return connection.Connection{}, false, nil
	}
	c, err := e.Connections.Get(ctx, id)
	if errors.Is(err, connection.ErrNotFound) {
		return connection.Connection{}, false, nil
	}
	if err != nil {
		return connection.Connection{}, false, err
	}
	return c, true, nil
}

// Factory creates a backend bound to a connection id.
type Factory func(ctx context.Context, connID string, env Env) (Backend, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register binds a scheme to its factory. Backend packages call it from init.
func Register(scheme string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(scheme)] = f
}

// Lookup returns the factory for a scheme, or an error wrapping ErrNotImplemented.
func Lookup(scheme string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: no backend for scheme %q", ErrNotImplemented, scheme)
	}
	return f, nil
}

// Schemes lists registered schemes, sorted.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SchemeOf returns the URI scheme of a path, "" for plain local paths. Any string holding
// "://" has a non-empty result: a prefix that is not a valid scheme is returned with its
// trailing colon, so it can never match a registered backend.
func SchemeOf(uri string) string {
	i := strings.Index(uri, "://")
	if i < 0 {
		return ""
	}
	scheme := strings.ToLower(uri[:i])
	if !validScheme(scheme) {
		return scheme + ":"
	}
	return scheme
}

// validScheme: ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
func validScheme(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}
