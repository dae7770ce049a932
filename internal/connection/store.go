package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix Airflow uses for connections defined in the environment.
const EnvPrefix = "AIRFLOW_CONN_"

// EnvStore reads AIRFLOW_CONN_<ID> variables holding a URI or a JSON object.
type EnvStore struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Get looks up AIRFLOW_CONN_<ID> with id upper-cased. Unset or blank variables yield ErrNotFound.
func (s EnvStore) Get(_ context.Context, id string) (Connection, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(EnvPrefix + strings.ToUpper(id))
	if !ok || strings.TrimSpace(v) == "" {
		return Connection{}, ErrNotFound
	}
	return Parse(id, v)
}

// FileStore reads a YAML or JSON file mapping ids to a URI string or a connection object,
// the layout of Airflow's local filesystem secrets backend. The file is read on first use.
type FileStore struct {
	Path string

	once  sync.Once
	conns map[string]Connection
	err   error
}

// NewFileStore returns a store over path. Nothing is read until the first Get.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Get returns the connection stored under id. A file that cannot be read or decoded fails
// every call with the same error.
func (s *FileStore) Get(_ context.Context, id string) (Connection, error) {
	s.once.Do(s.load)
	if s.err != nil {
		return Connection{}, s.err
	}
	c, ok := s.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return c, nil
}

func (s *FileStore) load() {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		s.err = fmt.Errorf("read connections file: %w", err)
		return
	}
	s.conns, s.err = decodeConnections(data)
	if s.err != nil {
		s.err = fmt.Errorf("connections file %q: %w", s.Path, s.err)
		return
	}
	log.Debug().
		Str("action", "connections_file_load").
		Str("file", s.Path).
		Int("count", len(s.conns)).
		Msg("connections loaded")
}

func decodeConnections(data []byte) (map[string]Connection, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Connection, len(raw))
	for id, node := range raw {
		var c Connection
		var err error
		switch node.Kind {
		case yaml.ScalarNode:
			c, err = ParseURI(id, node.Value)
		case yaml.MappingNode:
			var j jsonConnection
			if err = node.Decode(&j); err == nil {
				c, err = j.toConnection(id)
			}
		default:
			err = fmt.Errorf("connection %q: expected a URI or an object", id)
		}
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}

// MapStore is an in-memory store.
type MapStore map[string]Connection

// Get returns m[id] with its ID filled in when the entry left it empty.
func (m MapStore) Get(_ context.Context, id string) (Connection, error) {
	c, ok := m[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	if c.ID == "" {
		c.ID = id
	}
	return c, nil
}

// Chain tries stores in order; the first answer other than ErrNotFound wins.
type Chain []Store

// Get asks each store in turn and returns ErrNotFound when none knows id.
func (ch Chain) Get(ctx context.Context, id string) (Connection, error) {
	for _, s := range ch {
		c, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return c, err
	}
	return Connection{}, ErrNotFound
}
