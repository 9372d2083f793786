// Package config holds the orchestrator's flat namespace of named options,
// together with their enumerated defaults and validation.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ChrootMode selects how the orchestrator talks to the isolated build
// environment.
type ChrootMode string

const (
	ChrootModeDirect          ChrootMode = "direct"
	ChrootModeExternalManager ChrootMode = "external-manager"
	ChrootModeUnshare         ChrootMode = "unshare"
)

// PurgePolicy controls when a session/build directory is torn down.
type PurgePolicy string

const (
	PurgeAlways     PurgePolicy = "always"
	PurgeSuccessful PurgePolicy = "successful"
	PurgeNever      PurgePolicy = "never"
)

// Resolver selects the dependency-resolution backend.
type Resolver string

const (
	ResolverApt     Resolver = "apt"
	ResolverAptitude Resolver = "aptitude"
	ResolverAspcud   Resolver = "aspcud"
	ResolverXapt     Resolver = "xapt"
)

// Explainer selects how unsatisfiable Build-Depends are explained.
type Explainer string

const (
	ExplainerOff   Explainer = "off"
	ExplainerApt   Explainer = "apt"
	ExplainerDose3 Explainer = "dose3"
)

// Config is the flat namespace of named options driving one invocation.
// Defaults fills every required field except Chroot, HostArch and
// BuildArch; Load starts from Defaults and lets callers override via functional options before Validate is called.
type Config struct {
	Chroot              string                 `validate:"required"`
	ChrootMode          ChrootMode             `validate:"required,oneof=direct external-manager unshare"`
	HostArch            string                 `validate:"required"`
	BuildArch           string                 `validate:"required"`
	BuildProfiles       []string               `validate:"dive,required"`
	NoChecks            bool                   `validate:""`
	BuildSourceOnly     bool                   `validate:""`
	PurgeSessionPolicy   PurgePolicy            `validate:"required,oneof=always successful never"`
	PurgeDepsPolicy      PurgePolicy            `validate:"required,oneof=always successful never"`
	StallTimeoutMinutes  int                    `validate:"required,gt=0"`
	LockInterval         int                    `validate:"required,gt=0"`
	MaxLockTrys          int                    `validate:"required,gt=0"`
	Resolver             Resolver               `validate:"required,oneof=apt aptitude aspcud xapt"`
	AlternativesResolution bool                 `validate:""`
	CrossCoreDeps        map[string][]string    `validate:""`
	SigningKeyID         string                 `validate:""`
	BinNMUVersion        string                 `validate:""`
	AppendToVersion      string                 `validate:""`
	LogDir               string                 `validate:"required"`
	Hooks                map[string][][]string  `validate:""`
	ExtraPackages        []string               `validate:""`
	ExtraRepositories    []string               `validate:""`
	ExtraKeys            []string               `validate:""`
	SourceOnlyChanges    bool                   `validate:""`
	BDUninstallableExplainer Explainer          `validate:"required,oneof=off apt dose3"`
}

// Defaults returns the option set an invocation starts from before any
// per-call overrides are applied.
func Defaults() *Config {
	return &Config{
		ChrootMode:               ChrootModeDirect,
		PurgeSessionPolicy:       PurgeAlways,
		PurgeDepsPolicy:          PurgeAlways,
		StallTimeoutMinutes:      150,
		LockInterval:             5,
		MaxLockTrys:              60,
		Resolver:                 ResolverApt,
		AlternativesResolution:   false,
		BDUninstallableExplainer: ExplainerOff,
		LogDir:                   "/var/log/ipbo",
	}
}

// Option mutates a Config in place; Load applies a list of these over
// Defaults so call sites build up configuration without exposing a
// generic string-keyed map.
type Option func(*Config)

// WithChroot sets the chroot selector.
func WithChroot(chroot string) Option {
	return func(c *Config) { c.Chroot = chroot }
}

// WithChrootMode sets the chroot backend.
func WithChrootMode(mode ChrootMode) Option {
	return func(c *Config) { c.ChrootMode = mode }
}

// WithArch sets the host and build architectures.
func WithArch(host, build string) Option {
	return func(c *Config) {
		c.HostArch = host
		c.BuildArch = build
	}
}

// WithLogDir sets the log directory.
func WithLogDir(dir string) Option {
	return func(c *Config) { c.LogDir = dir }
}

// Load builds a validated Config from Defaults plus opts.
func Load(opts ...Option) (*Config, error) {
	cfg := Defaults()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile builds a validated Config from Defaults, a YAML document at
// path, and opts applied last (so command-line overrides always win over
// the file). A missing file is not an error: Defaults plus opts alone are
// used, the same as Load.
func LoadFile(path string, opts ...Option) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
