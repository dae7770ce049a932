// Package target maps connection records onto dbt target (profile output) parameters.
package target

import (
	"strings"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
)

// Target is one dbt output: adapter type plus its connection parameters.
type Target map[string]any

// Type returns the dbt adapter type of the target.
func (t Target) Type() string {
	s, _ := t["type"].(string)
	return s
}

var typeAliases = map[string]string{
	"postgres":              "postgres",
	"postgresql":            "postgres",
	"redshift":              "redshift",
	"snowflake":             "snowflake",
	"google_cloud_platform": "bigquery",
	"gcp":                   "bigquery",
	"bigquery":              "bigquery",
	"mysql":                 "mysql",
	"sqlite":                "sqlite",
}

// AdapterType returns the dbt adapter for a connection type; unknown types pass through.
func AdapterType(connType string) string {
	t := strings.ToLower(strings.TrimSpace(connType))
	if a, ok := typeAliases[t]; ok {
		return a
	}
	return t
}

// fieldNames says which dbt parameter each connection field feeds. database, when set,
// also receives the schema unless an extra of that name is present.
type fieldNames struct {
	host, port, login, password, schema, database string
}

var defaultFields = fieldNames{host: "host", port: "port", login: "user", password: "password", schema: "schema", database: "dbname"}

var adapterFields = map[string]fieldNames{
	"snowflake": {host: "account", login: "user", password: "password", schema: "schema"},
	"bigquery":  {host: "project", schema: "dataset"},
	"mysql":     {host: "server", port: "port", login: "username", password: "password", schema: "schema"},
	"sqlite":    {schema: "database"},
}

// FromConnection builds the target for c. Unset fields are omitted and extras
// override the mapped fields, so a "dbname" extra wins over the schema fallback.
func FromConnection(c connection.Connection) Target {
	adapter := AdapterType(c.Type)
	names, ok := adapterFields[adapter]
	if !ok {
		names = defaultFields
	}

	t := Target{"type": adapter}
	set := func(key, value string) {
		if key != "" && value != "" {
			t[key] = value
		}
	}
	set(names.host, c.Host)
	set(names.login, c.Login)
	set(names.password, c.Password)
	set(names.schema, c.Schema)
	set(names.database, c.Schema)
	if names.port != "" && c.Port > 0 {
		t[names.port] = c.Port
	}

	for k, v := range c.Extra {
		if v == nil {
			continue
		}
		t[k] = v
	}
	return t
}
