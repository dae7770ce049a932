package hook

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/vault"

	// Backends register themselves with the factory table.
	_ "github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend/azure"
	_ "github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend/gcs"
	_ "github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend/localfs"
	_ "github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend/s3"
)

// Stores builds the connection lookup chain in the order of cfg.ConnSources.
// client is used for Vault and may be nil.
func Stores(cfg config.Config, client *http.Client) (connection.Store, error) {
	var chain connection.Chain
	for _, src := range cfg.ConnSources {
		switch src {
		case config.SourceEnv:
			chain = append(chain, connection.EnvStore{})
		case config.SourceFile:
			chain = append(chain, connection.NewFileStore(cfg.ConnectionsFile))
		case config.SourceVault:
			vs, err := vault.NewConnectionStore(cfg, client)
			if err != nil {
				return nil, fmt.Errorf("vault connections: %w", err)
			}
			chain = append(chain, vs)
		default:
			return nil, fmt.Errorf("unsupported connection source %q", src)
		}
	}
	log.Debug().Str("action", "connection_sources").Strs("sources", cfg.ConnSources).Msg("connection sources ready")
	return chain, nil
}

// FromConfig returns a hook whose connections come from the sources in cfg.
func FromConfig(cfg config.Config) (*Hook, error) {
	conns, err := Stores(cfg, nil)
	if err != nil {
		return nil, err
	}
	return New(conns, cfg.RetryOptions()), nil
}
