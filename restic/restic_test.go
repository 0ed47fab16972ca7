package restic

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/remora/config"
)

// mockRunner records every invocation instead of executing anything.
type mockRunner struct {
	calls []call
	err   error
}

type call struct {
	args []string
	env  map[string]string
}

func (m *mockRunner) Run(args []string, env map[string]string) ([]byte, error) {
	m.calls = append(m.calls, call{args: args, env: env})
	return nil, m.err
}

func localrepo() *config.Repo {
	return &config.Repo{
		ID:       "local",
		Paths:    []string{"/home/somebody"},
		Password: "hunter2",
		Local:    &config.LocalRepo{Path: "/srv/backup"},
	}
}

func s3repo() *config.Repo {
	return &config.Repo{
		ID:       "offsite",
		Paths:    []string{"/home/somebody"},
		Password: "hunter2",
		S3: &config.S3Repo{
			Endpoint: "s3.example.org",
			Region:   "eu-west-1",
			Bucket:   "foo",
			Prefix:   "backups",
			Key:      config.Key{ID: "id", Secret: "secret"},
		},
	}
}

func TestPresent(t *testing.T) {
	m := &mockRunner{}
	if !Present(m) {
		t.Error("expected restic to be reported present")
	}
	if want := []string{"version"}; !reflect.DeepEqual(m.calls[0].args, want) {
		t.Errorf("args = %v, expected %v", m.calls[0].args, want)
	}

	m = &mockRunner{err: errors.New("exec: not found")}
	if Present(m) {
		t.Error("expected restic to be reported missing")
	}
}

func TestInitLocal(t *testing.T) {
	m := &mockRunner{}
	if err := Init(m, localrepo()); err != nil {
		t.Fatal(err)
	}
	got := m.calls[0]
	want := []string{"init", "--repo", "/srv/backup"}
	if !reflect.DeepEqual(got.args, want) {
		t.Errorf("args = %v, expected %v", got.args, want)
	}
	if got.env["RESTIC_PASSWORD"] != "hunter2" {
		t.Errorf("env = %v, expected the repository password", got.env)
	}
	if _, ok := got.env["AWS_ACCESS_KEY_ID"]; ok {
		t.Error("local repository should not carry AWS credentials")
	}
}

func TestBackupS3(t *testing.T) {
	m := &mockRunner{}
	if err := Backup(m, s3repo(), []string{"/home/somebody", "/etc"}); err != nil {
		t.Fatal(err)
	}
	got := m.calls[0]
	want := []string{"backup", "--repo", "s3:s3.example.org/foo/backups", "/home/somebody", "/etc"}
	if !reflect.DeepEqual(got.args, want) {
		t.Errorf("args = %v, expected %v", got.args, want)
	}
	if got.env["AWS_ACCESS_KEY_ID"] != "id" || got.env["AWS_SECRET_ACCESS_KEY"] != "secret" {
		t.Errorf("env = %v, expected AWS credentials", got.env)
	}
}

func TestBackupNoPaths(t *testing.T) {
	m := &mockRunner{}
	if err := Backup(m, localrepo(), nil); err == nil {
		t.Error("expected error for empty path list")
	}
	if len(m.calls) != 0 {
		t.Error("restic should not have been invoked")
	}
}
