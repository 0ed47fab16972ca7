// Package restic builds and runs invocations of the restic binary. It is a
// thin argument and environment builder; everything restic does with its
// own repository format is restic's business.
package restic

import (
	"log"
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/ndlib/remora/config"
)

// A Runner executes a prepared command. The one real implementation shells
// out to restic; tests substitute their own to inspect the arguments and
// environment without running anything.
type Runner interface {
	Run(args []string, env map[string]string) ([]byte, error)
}

// ExecRunner runs restic as a subprocess. The zero value uses the restic
// found on PATH.
type ExecRunner struct {
	// Path overrides the binary name.
	Path string
}

// Run invokes restic with the given arguments. The environment entries are
// appended to the inherited environment, so PATH and friends stay intact.
func (e ExecRunner) Run(args []string, env map[string]string) ([]byte, error) {
	name := e.Path
	if name == "" {
		name = "restic"
	}
	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	log.Printf("restic: invoking %s %v", name, args)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrapf(err, "restic %v", args)
	}
	return out, nil
}

// Present reports whether a runnable restic binary is available.
func Present(r Runner) bool {
	_, err := r.Run([]string{"version"}, nil)
	if err != nil {
		log.Printf("restic: not available: %s", err)
		return false
	}
	return true
}

// repoArgs resolves a configured repository into the --repo argument and
// the environment restic needs for it. Local repositories only need the
// encryption password; S3-backed ones also carry their credentials.
func repoArgs(repo *config.Repo) (string, map[string]string, error) {
	env := map[string]string{
		"RESTIC_PASSWORD": repo.Password,
	}
	switch {
	case repo.Local != nil:
		return repo.Local.Path, env, nil
	case repo.S3 != nil:
		env["AWS_ACCESS_KEY_ID"] = repo.S3.Key.ID
		env["AWS_SECRET_ACCESS_KEY"] = repo.S3.Key.Secret
		return "s3:" + repo.S3.URL(), env, nil
	}
	return "", nil, errors.Errorf("restic: repository %s has no backend", repo.ID)
}

// Init creates the restic repository for the given configuration entry.
func Init(r Runner, repo *config.Repo) error {
	location, env, err := repoArgs(repo)
	if err != nil {
		return err
	}
	out, err := r.Run([]string{"init", "--repo", location}, env)
	if err != nil {
		log.Printf("restic: init failed: %s", out)
		return err
	}
	return nil
}

// Backup runs a backup of the given paths into the repository.
func Backup(r Runner, repo *config.Repo, paths []string) error {
	if len(paths) == 0 {
		return errors.Errorf("restic: repository %s has no paths to back up", repo.ID)
	}
	location, env, err := repoArgs(repo)
	if err != nil {
		return err
	}
	args := []string{"backup", "--repo", location}
	args = append(args, paths...)
	out, err := r.Run(args, env)
	if err != nil {
		log.Printf("restic: backup failed: %s", out)
		return err
	}
	log.Printf("restic: backup of repository %s complete", repo.ID)
	return nil
}
