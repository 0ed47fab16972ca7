// Package config reads and validates the remora configuration file.
//
// The file is TOML. It declares a set of S3 buckets and a set of
// repositories; each repository stores either into a local directory or into
// one of the declared buckets. The raw file shape is kept separate from the
// validated Config so the rest of the program only ever sees a structure
// whose cross-references have already been resolved.
package config

import (
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// CurrentVersion is the configuration schema version this build understands.
const CurrentVersion = 1

// A Key holds an S3 credential pair.
type Key struct {
	ID     string `toml:"id"`
	Secret string `toml:"secret"`
}

// A LocalRepo is a restic repository on the local filesystem.
type LocalRepo struct {
	Path string
}

// An S3Repo is a restic repository stored in an S3 bucket, possibly under a
// key prefix.
type S3Repo struct {
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Key      Key
}

// URL renders the restic repository location for this bucket, without the
// "s3:" scheme tag.
func (r *S3Repo) URL() string {
	url := r.Endpoint + "/" + r.Bucket
	if r.Prefix != "" {
		url += "/" + r.Prefix
	}
	return url
}

// A Repo is one validated repository. Exactly one of Local and S3 is
// non-nil.
type Repo struct {
	ID       string
	Paths    []string
	Password string
	Local    *LocalRepo
	S3       *S3Repo
}

// Config is the validated configuration.
type Config struct {
	StatefileName string
	Repositories  map[string]*Repo
}

// file-shape structures. These mirror the TOML layout and are thrown away
// after validation.

type readConfig struct {
	Version       int            `toml:"version"`
	StatefileName string         `toml:"statefile_name"`
	S3Buckets     []bucketConfig `toml:"s3_buckets"`
	Repositories  []repoConfig   `toml:"repositories"`
}

type bucketConfig struct {
	ID          string `toml:"id"`
	Endpoint    string `toml:"endpoint"`
	Region      string `toml:"region"`
	BucketName  string `toml:"bucket_name"`
	Credentials Key    `toml:"credentials"`
}

type repoConfig struct {
	ID       string        `toml:"id"`
	Paths    []string      `toml:"paths"`
	Password string        `toml:"password"`
	Backend  backendConfig `toml:"backend"`
}

type backendConfig struct {
	Type   string `toml:"type"`
	Path   string `toml:"path"`   // local
	Bucket string `toml:"bucket"` // s3: bucket id reference
	Prefix string `toml:"prefix"` // s3
}

// Load reads the TOML file at path and validates it.
func Load(path string) (*Config, error) {
	var rc readConfig
	if _, err := toml.DecodeFile(path, &rc); err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	return validate(&rc)
}

// validate resolves a raw readConfig into a Config. It checks repository
// paths, bucket references, and duplicate ids, and warns about any bucket
// that is declared but never used.
func validate(rc *readConfig) (*Config, error) {
	if rc.Version != CurrentVersion {
		return nil, errors.Errorf("config: unsupported version %d", rc.Version)
	}
	if rc.StatefileName == "" {
		return nil, errors.New("config: statefile_name is required")
	}

	buckets := make(map[string]*bucketConfig)
	used := make(map[string]bool)
	for i := range rc.S3Buckets {
		b := &rc.S3Buckets[i]
		if _, exists := buckets[b.ID]; exists {
			return nil, errors.Errorf("config: duplicate bucket id %q", b.ID)
		}
		buckets[b.ID] = b
	}

	repos := make(map[string]*Repo)
	for i := range rc.Repositories {
		r := &rc.Repositories[i]
		if _, exists := repos[r.ID]; exists {
			return nil, errors.Errorf("config: duplicate repository id %q", r.ID)
		}
		repo, err := validateRepo(r, buckets, used)
		if err != nil {
			return nil, err
		}
		repos[r.ID] = repo
	}
	if len(repos) == 0 {
		return nil, errors.New("config: no repositories defined")
	}

	for id := range buckets {
		if !used[id] {
			log.Printf("config: bucket %s is defined but never used", id)
		}
	}

	log.Printf("config: validated %d repositories", len(repos))
	return &Config{
		StatefileName: rc.StatefileName,
		Repositories:  repos,
	}, nil
}

func validateRepo(r *repoConfig, buckets map[string]*bucketConfig, used map[string]bool) (*Repo, error) {
	if r.ID == "" {
		return nil, errors.New("config: repository with empty id")
	}
	if len(r.Paths) == 0 {
		return nil, errors.Errorf("config: repository %s lists no paths", r.ID)
	}
	repo := &Repo{
		ID:       r.ID,
		Paths:    r.Paths,
		Password: r.Password,
	}
	switch r.Backend.Type {
	case "local":
		if r.Backend.Path == "" {
			return nil, errors.Errorf("config: repository %s has a local backend with no path", r.ID)
		}
		repo.Local = &LocalRepo{Path: r.Backend.Path}
	case "s3":
		b, ok := buckets[r.Backend.Bucket]
		if !ok {
			return nil, errors.Errorf("config: repository %s references unknown bucket %s",
				r.ID, r.Backend.Bucket)
		}
		used[b.ID] = true
		key := b.Credentials
		// credentials may be left out of the file and supplied through the
		// environment instead
		if key.ID == "" {
			key.ID = os.Getenv("AWS_ACCESS_KEY_ID")
		}
		if key.Secret == "" {
			key.Secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
		}
		repo.S3 = &S3Repo{
			Endpoint: b.Endpoint,
			Region:   b.Region,
			Bucket:   b.BucketName,
			Prefix:   r.Backend.Prefix,
			Key:      key,
		}
	default:
		return nil, errors.Errorf("config: repository %s has unknown backend type %q",
			r.ID, r.Backend.Type)
	}
	return repo, nil
}

// Minimal returns the smallest useful configuration file, for bootstrapping
// a new installation.
func Minimal() string {
	return `version = 1
statefile_name = "remora"

[[s3_buckets]]
id = "a_bucket"
endpoint = "s3.example.org"
region = "eu-west-1"
bucket_name = "foo"

[s3_buckets.credentials]
id = "id"
secret = "secret"

[[repositories]]
id = "a_repo"
paths = ["/home"]
password = "foo"

[repositories.backend]
type = "s3"
bucket = "a_bucket"
`
}
