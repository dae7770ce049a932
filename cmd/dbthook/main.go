package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/hook"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/logx"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/runner"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/target"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/version"
)

// dbtHook is the part of *hook.Hook the commands use.
type dbtHook interface {
	PullDbtProfiles(ctx context.Context, source, destination, connID string) (string, error)
	PullDbtProject(ctx context.Context, source, destination, connID string) (string, error)
	PushDbtProject(ctx context.Context, source, destination, connID string, opts backend.PushOptions) error
	GetTargetFromConnection(ctx context.Context, connID string) (map[string]target.Target, error)
}

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func() (config.Config, error)                                                                 = config.Load
	newHook    func(config.Config) (dbtHook, error)                                                          = newDbtHook
	runDbt     func(context.Context, config.Config, runner.Options, string, []string) (runner.Result, error) = run
	exit       func(int)                                                                                     = os.Exit
)

const usage = `
Usage:
  dbthook pull-project  [source] [destination] [connID]
  dbthook pull-profiles [source] [destination] [connID]
  dbthook push-project  [source] [destination] [connID]
  dbthook target        [connID]
  dbthook run           <dbt-command> [dbt args...]
  dbthook version | --version | -v
  dbthook help    | --help    | -h

Notes:
  - Sources and destinations are local paths or URIs: file://, s3://, gs://, azblob://.
    A .zip project source is extracted, a .zip destination receives an archive.
  - You can also set env vars:
      DBT_PROJECT_URI, DBT_PROJECT_DIR, DBT_PROJECT_CONN_ID,
      DBT_PROFILES_URI, DBT_PROFILES_DIR, DBT_PROFILES_CONN_ID,
      DBT_PUSH_URI, DBT_PUSH_CONN_ID, PUSH_REPLACE, PUSH_DELETE_BEFORE,
      DBT_TARGET_CONN_ID, DBT_TARGET_AS_DEFAULT, DBT_PROFILE, DBT_EXECUTABLE, DBT_WORK_DIR,
      DBT_KEEP_WORK_DIR
  - Connections are read from AIRFLOW_CONN_<ID>, DBT_HOOK_CONNECTIONS_FILE and Vault
    (VAULT_ADDR, VAULT_CONNECTIONS_MOUNT, VAULT_CONNECTIONS_PATH), in DBT_HOOK_CONN_SOURCES order.
`

// main wires CLI -> config -> hook -> pull/push/target/run.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
	}
	action := strings.ToLower(args[0])

	// Handle version command
	if action == "version" || action == "--version" || action == "-v" {
		fmt.Println(version.String())
		exit(0)
	}

	// Handle help command
	if action == "help" || action == "--help" || action == "-h" {
		fmt.Print(usage)
		exit(0)
	}

	switch action {
	case "pull-project", "pull-profiles", "push-project", "target", "run":
	default:
		fmt.Print(usage)
		exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		exit(1)
	}

	ctx := withSignals(context.Background())

	switch action {
	case "pull-project":
		h := mustHook(cfg)
		source := pickArgOrEnv(2, "DBT_PROJECT_URI", cfg.Dbt.ProjectURI)
		dest := pickArgOrEnv(3, "DBT_PROJECT_DIR", "./dbt-project")
		connID := pickArgOrEnv(4, "DBT_PROJECT_CONN_ID", cfg.Dbt.ProjectConnID)
		requireValue("source", source)

		start := time.Now()
		dir, err := h.PullDbtProject(ctx, source, dest, connID)
		if err != nil {
			log.Error().Err(err).Str("action", "pull_project").Str("source", source).Msg("pull project failed")
			exit(1)
		}
		log.Info().
			Str("action", "pull_project").
			Str("source", source).
			Str("local", dir).
			Dur("elapsed_ms", time.Since(start)).
			Msg("pull project OK")
		fmt.Println(dir)

	case "pull-profiles":
		h := mustHook(cfg)
		source := pickArgOrEnv(2, "DBT_PROFILES_URI", cfg.Dbt.ProfilesURI)
		dest := pickArgOrEnv(3, "DBT_PROFILES_DIR", "./dbt-profiles")
		connID := pickArgOrEnv(4, "DBT_PROFILES_CONN_ID", cfg.Dbt.ProfilesConnID)
		requireValue("source", source)

		start := time.Now()
		path, err := h.PullDbtProfiles(ctx, source, dest, connID)
		if err != nil {
			log.Error().Err(err).Str("action", "pull_profiles").Str("source", source).Msg("pull profiles failed")
			exit(1)
		}
		log.Info().
			Str("action", "pull_profiles").
			Str("source", source).
			Str("local", path).
			Dur("elapsed_ms", time.Since(start)).
			Msg("pull profiles OK")
		fmt.Println(path)

	case "push-project":
		h := mustHook(cfg)
		source := pickArgOrEnv(2, "DBT_PROJECT_DIR", ".")
		dest := pickArgOrEnv(3, "DBT_PUSH_URI", cfg.Dbt.PushURI)
		connID := pickArgOrEnv(4, "DBT_PUSH_CONN_ID", cfg.Dbt.PushConnID)
		requireValue("destination", dest)

		opts := backend.PushOptions{Replace: cfg.Dbt.PushReplace, DeleteBefore: cfg.Dbt.PushDelete}
		start := time.Now()
		if err := h.PushDbtProject(ctx, source, dest, connID, opts); err != nil {
			log.Error().Err(err).Str("action", "push_project").Str("destination", dest).Msg("push project failed")
			exit(1)
		}
		log.Info().
			Str("action", "push_project").
			Str("destination", dest).
			Bool("replace", opts.Replace).
			Bool("delete_before", opts.DeleteBefore).
			Dur("elapsed_ms", time.Since(start)).
			Msg("push project OK")

	case "target":
		h := mustHook(cfg)
		connID := pickArgOrEnv(2, "DBT_TARGET_CONN_ID", cfg.Dbt.TargetConnID)
		requireValue("connID", connID)

		targets, err := h.GetTargetFromConnection(ctx, connID)
		if err != nil {
			log.Error().Err(err).Str("action", "target").Str("conn_id", connID).Msg("connection lookup failed")
			exit(1)
		}
		if targets == nil {
			log.Error().Str("action", "target").Str("conn_id", connID).Msg("connection not found")
			exit(1)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(targets); err != nil {
			log.Error().Err(err).Str("action", "target").Msg("encode target failed")
			exit(1)
		}
		_ = enc.Close()

	case "run":
		if len(args) < 2 || args[1] == "" {
			fmt.Print(usage)
			exit(2)
		}
		command, extra := args[1], args[2:]
		start := time.Now()
		res, err := runDbt(ctx, cfg, runner.OptionsFromConfig(cfg.Dbt), command, extra)
		if err != nil {
			log.Error().Err(err).Str("action", "run").Str("command", command).Msg("dbt run failed")
			exit(1)
		}
		log.Info().
			Str("action", "run").
			Str("command", command).
			Str("target", res.Target).
			Dur("elapsed_ms", time.Since(start)).
			Msg("dbt run OK")
	}
}

func newDbtHook(cfg config.Config) (dbtHook, error) {
	return hook.FromConfig(cfg)
}

// mustHook builds the hook or exits with a runtime error.
func mustHook(cfg config.Config) dbtHook {
	h, err := newHook(cfg)
	if err != nil {
		log.Error().Err(err).Msg("hook init error")
		exit(1)
	}
	return h
}

// run builds a hook from cfg and runs dbt through it.
func run(ctx context.Context, cfg config.Config, opt runner.Options, command string, args []string) (runner.Result, error) {
	h, err := hook.FromConfig(cfg)
	if err != nil {
		return runner.Result{}, err
	}
	r := &runner.Runner{Hook: h}
	return r.Run(ctx, opt, command, args)
}

// requireValue exits with a usage error when a mandatory value is missing.
func requireValue(name, v string) {
	if strings.TrimSpace(v) == "" {
		fmt.Printf("missing %s\n", name)
		fmt.Print(usage)
		exit(2)
	}
}

func pickArgOrEnv(idx int, env string, def string) string {
	if len(os.Args) > idx && os.Args[idx] != "" {
		return os.Args[idx]
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v
	}
	return def
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
