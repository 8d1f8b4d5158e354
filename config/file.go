package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of config.yaml.  Absent keys leave the
// corresponding Config field untouched.
//
//	backend:
//	  url: http://127.0.0.1:7722
//	  token: s3cret
//	  request_timeout: 45s
//	ssh:
//	  timeout: 10s
//	  key: ~/.ssh/id_ed25519
//	  agent: true
//	  strict_host_key: true
//	  known_hosts: ~/.ssh/known_hosts
//	  keepalive: 30
//	serve:
//	  listen: 127.0.0.1:7722
//	  start_rate: 5
//	  start_burst: 10
//	shell:
//	  hydrate_attempts: 3
type File struct {
	Backend struct {
		URL            *string        `yaml:"url"`
		Token          *string        `yaml:"token"`
		RequestTimeout *time.Duration `yaml:"request_timeout"`
	} `yaml:"backend"`
	SSH struct {
		Timeout       *time.Duration `yaml:"timeout"`
		Key           *string        `yaml:"key"`
		Agent         *bool          `yaml:"agent"`
		StrictHostKey *bool          `yaml:"strict_host_key"`
		KnownHosts    *string        `yaml:"known_hosts"`
		KeepAlive     *int           `yaml:"keepalive"`
	} `yaml:"ssh"`
	Serve struct {
		Listen     *string  `yaml:"listen"`
		StartRate  *float64 `yaml:"start_rate"`
		StartBurst *int     `yaml:"start_burst"`
	} `yaml:"serve"`
	Shell struct {
		HydrateAttempts *int `yaml:"hydrate_attempts"`
	} `yaml:"shell"`
}

// DefaultFilePath returns $XDG_CONFIG_HOME/sshdeck/config.yaml (or the
// platform equivalent), or "" when no config directory is known.
func DefaultFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, DefaultFileName)
}

// LoadFile overlays the YAML file at path onto cfg.  When path is empty
// the default location is used and a missing file is not an error.
func LoadFile(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultFilePath()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	f.apply(cfg)
	cfg.ConfigFile = path
	return nil
}

func (f *File) apply(cfg *Config) {
	set(&cfg.Backend, f.Backend.URL)
	set(&cfg.AuthToken, f.Backend.Token)
	set(&cfg.RequestTimeout, f.Backend.RequestTimeout)

	set(&cfg.ConnTimeout, f.SSH.Timeout)
	if f.SSH.Key != nil {
		cfg.KeyPath = expandHome(*f.SSH.Key)
	}
	set(&cfg.UseAgent, f.SSH.Agent)
	set(&cfg.StrictHostKey, f.SSH.StrictHostKey)
	if f.SSH.KnownHosts != nil {
		cfg.KnownHostsPath = expandHome(*f.SSH.KnownHosts)
	}
	set(&cfg.KeepAliveInterval, f.SSH.KeepAlive)

	set(&cfg.Listen, f.Serve.Listen)
	set(&cfg.StartRate, f.Serve.StartRate)
	set(&cfg.StartBurst, f.Serve.StartBurst)

	set(&cfg.HydrateAttempts, f.Shell.HydrateAttempts)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
