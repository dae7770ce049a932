// Package runner prepares a dbt working directory from remote storage, runs dbt in it and
// optionally pushes the result back.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/hook"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/profiles"
)

// Options controls one dbt run.
type Options struct {
	ProjectURI     string
	ProjectConnID  string
	ProfilesURI    string
	ProfilesConnID string
	// TargetConnID: connection injected into profiles.yml as an output named after its id.
	TargetConnID string
	// TargetAsDefault also makes the injected output the profile's default target.
	TargetAsDefault bool
	// ProfileName overrides the profile named in dbt_project.yml.
	ProfileName string
	// WorkDir is the parent of the temporary working directory (default: os.TempDir()).
	WorkDir     string
	KeepWorkDir bool
	Executable  string // default "dbt"

	PushURI    string
	PushConnID string
	Push       backend.PushOptions
}

// OptionsFromConfig copies run defaults from the environment config.
func OptionsFromConfig(c config.DbtConfig) Options {
	return Options{
		ProjectURI:      c.ProjectURI,
		ProjectConnID:   c.ProjectConnID,
		ProfilesURI:     c.ProfilesURI,
		ProfilesConnID:  c.ProfilesConnID,
		TargetConnID:    c.TargetConnID,
		TargetAsDefault: c.TargetAsDefault,
		ProfileName:     c.ProfileOverride,
		WorkDir:         c.WorkDir,
		KeepWorkDir:     c.KeepWorkDir,
		Executable:      c.Executable,
		PushURI:         c.PushURI,
		PushConnID:      c.PushConnID,
		Push:            backend.PushOptions{Replace: c.PushReplace, DeleteBefore: c.PushDelete},
	}
}

// Prepared describes a ready working directory.
type Prepared struct {
	WorkDir    string
	ProjectDir string
	// ProfilesDir is empty when neither profiles nor a target connection were given.
	ProfilesDir string
	// Target is the injected output name, empty when none was injected.
	Target string
}

// Result is the outcome of Run.
type Result struct {
	Prepared
	Args    []string
	Elapsed time.Duration
}

// ExecFunc runs name with args in dir.
type ExecFunc func(ctx context.Context, dir, name string, args []string) error

// Runner ties a hook to a filesystem and a process launcher.
type Runner struct {
	Hook *hook.Hook
	FS   afero.Fs // default afero.NewOsFs()
	Exec ExecFunc // default runs the process with stdout/stderr attached
}

func (r *Runner) fs() afero.Fs {
	if r.FS == nil {
		return afero.NewOsFs()
	}
	return r.FS
}

// Prepare pulls the project and profiles into a fresh working directory and injects the
// target connection, if any. On error the working directory is removed.
func (r *Runner) Prepare(ctx context.Context, opt Options) (p Prepared, err error) {
	if strings.TrimSpace(opt.ProjectURI) == "" {
		return p, errors.New("project URI is required")
	}
	fs := r.fs()

	work, err := afero.TempDir(fs, opt.WorkDir, "dbthook-")
	if err != nil {
		return p, fmt.Errorf("create work dir: %w", err)
	}
	p.WorkDir = work
	defer func() {
		if err != nil && !opt.KeepWorkDir {
			_ = fs.RemoveAll(work)
		}
	}()

	start := time.Now()
	p.ProjectDir, err = r.Hook.PullDbtProject(ctx, opt.ProjectURI, filepath.Join(work, "project"), opt.ProjectConnID)
	if err != nil {
		log.Error().Err(err).Str("action", "pull_project").Str("source", opt.ProjectURI).
			Dur("elapsed_ms", time.Since(start)).Msg("pull project failed")
		return p, fmt.Errorf("pull project: %w", err)
	}
	log.Info().Str("action", "pull_project").Str("source", opt.ProjectURI).Str("project_dir", p.ProjectDir).
		Dur("elapsed_ms", time.Since(start)).Msg("project pulled")

	profilesDir := filepath.Join(work, "profiles")
	if opt.ProfilesURI != "" {
		start = time.Now()
		path, err := r.Hook.PullDbtProfiles(ctx, opt.ProfilesURI, profilesDir, opt.ProfilesConnID)
		if err != nil {
			log.Error().Err(err).Str("action", "pull_profiles").Str("source", opt.ProfilesURI).
				Dur("elapsed_ms", time.Since(start)).Msg("pull profiles failed")
			return p, fmt.Errorf("pull profiles: %w", err)
		}
		p.ProfilesDir = filepath.Dir(path)
		log.Info().Str("action", "pull_profiles").Str("source", opt.ProfilesURI).Str("path", path).
			Dur("elapsed_ms", time.Since(start)).Msg("profiles pulled")
	}

	if opt.TargetConnID != "" {
		if p.ProfilesDir == "" {
			p.ProfilesDir = profilesDir
		}
		if err := r.injectTarget(ctx, fs, opt, p.ProjectDir, p.ProfilesDir); err != nil {
			return p, err
		}
		p.Target = opt.TargetConnID
	}
	return p, nil
}

// injectTarget writes the target connection into profiles.yml.
func (r *Runner) injectTarget(ctx context.Context, fs afero.Fs, opt Options, projectDir, profilesDir string) error {
	targets, err := r.Hook.GetTargetFromConnection(ctx, opt.TargetConnID)
	if err != nil {
		return fmt.Errorf("target connection: %w", err)
	}
	t, ok := targets[opt.TargetConnID]
	if !ok {
		return fmt.Errorf("target connection %q not found", opt.TargetConnID)
	}

	profile := opt.ProfileName
	if profile == "" {
		profile, err = profiles.ProjectProfileName(fs, projectDir)
		if err != nil {
			return err
		}
	}

	path := filepath.Join(profilesDir, profiles.FileName)
	prof, err := profiles.Load(fs, path)
	if err != nil {
		return err
	}
	if err := prof.InjectTarget(profile, opt.TargetConnID, t); err != nil {
		return err
	}
	if opt.TargetAsDefault {
		if err := prof.SetDefaultTarget(profile, opt.TargetConnID); err != nil {
			return err
		}
	}
	if err := profiles.Save(fs, path, prof); err != nil {
		return err
	}
	log.Info().Str("action", "inject_target").Str("profile", profile).Str("target", opt.TargetConnID).
		Str("type", t.Type()).Bool("default", opt.TargetAsDefault).Msg("target injected")
	return nil
}

// Args builds the dbt command line for a prepared directory.
func Args(p Prepared, command string, extra []string) []string {
	args := []string{command, "--project-dir", p.ProjectDir}
	if p.ProfilesDir != "" {
		args = append(args, "--profiles-dir", p.ProfilesDir)
	}
	if p.Target != "" {
		args = append(args, "--target", p.Target)
	}
	return append(args, extra...)
}

// Run prepares the working directory, runs dbt and pushes the project when PushURI is set.
// The project is only pushed when dbt succeeds.
func (r *Runner) Run(ctx context.Context, opt Options, command string, extra []string) (Result, error) {
	var res Result
	if strings.TrimSpace(command) == "" {
		return res, errors.New("dbt command is required")
	}
	p, err := r.Prepare(ctx, opt)
	if err != nil {
		return res, err
	}
	res.Prepared = p
	fs := r.fs()
	if !opt.KeepWorkDir {
		defer func() {
			if err := fs.RemoveAll(p.WorkDir); err != nil {
				log.Warn().Err(err).Str("action", "cleanup").Str("work_dir", p.WorkDir).Msg("cleanup failed")
			}
		}()
	}

	exe := opt.Executable
	if exe == "" {
		exe = "dbt"
	}
	res.Args = Args(p, command, extra)
	run := r.Exec
	if run == nil {
		run = execCommand
	}

	start := time.Now()
	log.Info().Str("action", "dbt_run").Str("command", command).Strs("args", res.Args).Msg("starting dbt")
	if err := run(ctx, p.ProjectDir, exe, res.Args); err != nil {
		res.Elapsed = time.Since(start)
		log.Error().Err(err).Str("action", "dbt_run").Str("command", command).
			Dur("elapsed_ms", res.Elapsed).Msg("dbt failed")
		return res, fmt.Errorf("dbt %s: %w", command, err)
	}
	res.Elapsed = time.Since(start)
	log.Info().Str("action", "dbt_run").Str("command", command).Dur("elapsed_ms", res.Elapsed).Msg("dbt OK")

	if opt.PushURI != "" {
		start = time.Now()
		if err := r.Hook.PushDbtProject(ctx, p.ProjectDir, opt.PushURI, opt.PushConnID, opt.Push); err != nil {
			log.Error().Err(err).Str("action", "push_project").Str("destination", opt.PushURI).
				Dur("elapsed_ms", time.Since(start)).Msg("push failed")
			return res, fmt.Errorf("push project: %w", err)
		}
		log.Info().Str("action", "push_project").Str("destination", opt.PushURI).
			Dur("elapsed_ms", time.Since(start)).Msg("project pushed")
	}
	return res, nil
}

func execCommand(ctx context.Context, dir, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd.Run()
}
