// Package connection models Airflow connection records and the stores they are read from.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned by stores when no connection exists under an id.
var ErrNotFound = errors.New("connection not found")

// Connection is a read-only view of an Airflow connection record.
type Connection struct {
	ID          string
	Type        string
	Description string
	Host        string
	Port        int
	Login       string
	Password    string
	Schema      string
	Extra       map[string]any
}

// Store looks connections up by id.
type Store interface {
	Get(ctx context.Context, id string) (Connection, error)
}

// ExtraString returns a string extra, or "" when unset or not a scalar.
func (c Connection) ExtraString(key string) string {
	v, ok := c.Extra[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	}
	return ""
}

// ExtraBool parses a boolean extra, returning def when unset or unparsable.
func (c Connection) ExtraBool(key string, def bool) bool {
	s := strings.TrimSpace(c.ExtraString(key))
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// normalizeType maps URI schemes onto Airflow connection types.
func normalizeType(t string) string {
	t = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
	if t == "postgresql" {
		return "postgres"
	}
	return t
}

// ParseURI decodes an Airflow connection URI:
//
//	<type>://<login>:<password>@<host>:<port>/<schema>?<extra>
//
// Every component is percent-decoded. A "__extra__" query parameter holds the extras as JSON;
// otherwise each query parameter becomes one string extra.
func ParseURI(id, raw string) (Connection, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Connection{}, fmt.Errorf("parse connection %q: %w", id, err)
	}
	if u.Scheme == "" {
		return Connection{}, fmt.Errorf("parse connection %q: missing connection type", id)
	}
	c := Connection{
		ID:   id,
		Type: normalizeType(u.Scheme),
		Host: u.Hostname(),
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Connection{}, fmt.Errorf("parse connection %q: invalid port %q", id, p)
		}
		c.Port = n
	}
	if u.User != nil {
		c.Login = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.Password = pw
		}
	}
	c.Schema = strings.TrimPrefix(u.Path, "/")

	q := u.Query()
	if raw := q.Get("__extra__"); raw != "" {
		extra, err := decodeExtra(raw)
		if err != nil {
			return Connection{}, fmt.Errorf("parse connection %q: %w", id, err)
		}
		c.Extra = extra
	} else if len(q) > 0 {
		c.Extra = make(map[string]any, len(q))
		for k, vs := range q {
			if len(vs) > 0 {
				c.Extra[k] = vs[len(vs)-1]
			}
		}
	}
	return c, nil
}

// jsonConnection is Airflow's JSON serialisation of a connection.
type jsonConnection struct {
	ConnType    string `json:"conn_type" yaml:"conn_type"`
	Description string `json:"description" yaml:"description"`
	Host        string `json:"host" yaml:"host"`
	Login       string `json:"login" yaml:"login"`
	Password    string `json:"password" yaml:"password"`
	Schema      string `json:"schema" yaml:"schema"`
	Port        any    `json:"port" yaml:"port"`
	Extra       any    `json:"extra" yaml:"extra"`
	URI         string `json:"conn_uri" yaml:"conn_uri"`
}

func (j jsonConnection) toConnection(id string) (Connection, error) {
	if j.URI != "" {
		return ParseURI(id, j.URI)
	}
	c := Connection{
		ID:          id,
		Type:        normalizeType(j.ConnType),
		Description: j.Description,
		Host:        j.Host,
		Login:       j.Login,
		Password:    j.Password,
		Schema:      j.Schema,
	}
	switch p := j.Port.(type) {
	case nil:
	case int:
		c.Port = p
	case float64:
		c.Port = int(p)
	case string:
		if strings.TrimSpace(p) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return Connection{}, fmt.Errorf("connection %q: invalid port %q", id, p)
			}
			c.Port = n
		}
	default:
		return Connection{}, fmt.Errorf("connection %q: invalid port %v", id, p)
	}
	switch e := j.Extra.(type) {
	case nil:
	case string:
		if strings.TrimSpace(e) != "" {
			extra, err := decodeExtra(e)
			if err != nil {
				return Connection{}, fmt.Errorf("connection %q: %w", id, err)
			}
			c.Extra = extra
		}
	case map[string]any:
		c.Extra = e
	default:
		return Connection{}, fmt.Errorf("connection %q: extra must be an object or JSON string", id)
	}
	return c, nil
}

// FromJSON decodes Airflow's JSON connection form.
func FromJSON(id string, data []byte) (Connection, error) {
	var j jsonConnection
	if err := json.Unmarshal(data, &j); err != nil {
		return Connection{}, fmt.Errorf("decode connection %q: %w", id, err)
	}
	return j.toConnection(id)
}

// Parse accepts either a connection URI or a JSON object.
func Parse(id, value string) (Connection, error) {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(v, "{") {
		return FromJSON(id, []byte(v))
	}
	return ParseURI(id, v)
}

func decodeExtra(raw string) (map[string]any, error) {
	var extra map[string]any
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return nil, fmt.Errorf("decode extra: %w", err)
	}
	return extra, nil
}
