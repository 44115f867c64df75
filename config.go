package replication

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type RestrictType string

const (
	RestrictNone    RestrictType = ""
	RestrictInclude RestrictType = "include"
	RestrictExclude RestrictType = "exclude"
)

const (
	DefaultChunkSize        = 1000
	DefaultMaxReconnects    = 10
	DefaultBarrierTTL       = 2 * time.Minute
	DefaultRequestTimeout   = 30 * time.Second
	DefaultInitialRetryWait = 250 * time.Millisecond
	DefaultMaxRetryWait     = 30 * time.Second
)

// ApplierConfig is a fully resolved applier configuration. Values of this
// type are produced by ResolveConfig and treated as immutable afterwards.
type ApplierConfig struct {
	Endpoint            string        `json:"endpoint" yaml:"endpoint"`
	Database            string        `json:"database,omitempty" yaml:"database,omitempty"`
	Username            string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password            string        `json:"password,omitempty" yaml:"password,omitempty"`
	JWT                 string        `json:"jwt,omitempty" yaml:"jwt,omitempty"`
	RestrictType        RestrictType  `json:"restrictType,omitempty" yaml:"restrictType,omitempty"`
	RestrictCollections []string      `json:"restrictCollections,omitempty" yaml:"restrictCollections,omitempty"`
	IncludeSystem       bool          `json:"includeSystem" yaml:"includeSystem"`
	AutoStart           bool          `json:"autoStart" yaml:"autoStart"`
	KeepBarrier         bool          `json:"keepBarrier" yaml:"keepBarrier"`
	Verbose             bool          `json:"verbose" yaml:"verbose"`
	Strict              bool          `json:"strict" yaml:"strict"`
	ChunkSize           int           `json:"chunkSize" yaml:"chunkSize"`
	MaxReconnects       int           `json:"maxReconnects" yaml:"maxReconnects"`
	BarrierTTL          time.Duration `json:"barrierTTL" yaml:"barrierTTL"`
	RequestTimeout      time.Duration `json:"requestTimeout" yaml:"requestTimeout"`
	InitialRetryWait    time.Duration `json:"initialRetryWait" yaml:"initialRetryWait"`
	MaxRetryWait        time.Duration `json:"maxRetryWait" yaml:"maxRetryWait"`
}

// ConfigRequest is caller-supplied configuration. Nil pointers and zero values
// mean "not specified" and are filled from a Defaults set by ResolveConfig.
type ConfigRequest struct {
	Endpoint            string        `json:"endpoint" yaml:"endpoint"`
	Database            string        `json:"database,omitempty" yaml:"database,omitempty"`
	Username            string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password            string        `json:"password,omitempty" yaml:"password,omitempty"`
	JWT                 string        `json:"jwt,omitempty" yaml:"jwt,omitempty"`
	RestrictType        RestrictType  `json:"restrictType,omitempty" yaml:"restrictType,omitempty"`
	RestrictCollections []string      `json:"restrictCollections,omitempty" yaml:"restrictCollections,omitempty"`
	IncludeSystem       *bool         `json:"includeSystem,omitempty" yaml:"includeSystem,omitempty"`
	AutoStart           *bool         `json:"autoStart,omitempty" yaml:"autoStart,omitempty"`
	KeepBarrier         *bool         `json:"keepBarrier,omitempty" yaml:"keepBarrier,omitempty"`
	Verbose             *bool         `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Strict              *bool         `json:"strict,omitempty" yaml:"strict,omitempty"`
	ChunkSize           int           `json:"chunkSize,omitempty" yaml:"chunkSize,omitempty"`
	MaxReconnects       int           `json:"maxReconnects,omitempty" yaml:"maxReconnects,omitempty"`
	BarrierTTL          time.Duration `json:"barrierTTL,omitempty" yaml:"barrierTTL,omitempty"`
	RequestTimeout      time.Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	InitialRetryWait    time.Duration `json:"initialRetryWait,omitempty" yaml:"initialRetryWait,omitempty"`
	MaxRetryWait        time.Duration `json:"maxRetryWait,omitempty" yaml:"maxRetryWait,omitempty"`
}

// Defaults controls how ResolveConfig fills unspecified fields. Fields in the
// Force group override whatever the caller asked for.
type Defaults struct {
	IncludeSystem bool
	AutoStart     bool
	KeepBarrier   bool
	Verbose       bool

	ForceRestrictType        RestrictType
	ForceRestrictCollections []string
	ForceIncludeSystem       *bool
	ForceKeepBarrier         *bool
}

func Bool(b bool) *bool {
	return &b
}

// SyncDefaults applies to plain configure calls and to sync.
var SyncDefaults = Defaults{
	IncludeSystem: true,
}

// SetupDefaults is used by SetupReplication: autoStart, includeSystem and a
// kept barrier, quiet unless asked otherwise.
var SetupDefaults = Defaults{
	IncludeSystem:    true,
	AutoStart:        true,
	KeepBarrier:      true,
	Verbose:          false,
	ForceKeepBarrier: Bool(true),
}

// SyncCollectionDefaults restricts a sync to a single collection plus the
// system collections.
func SyncCollectionDefaults(collection string) Defaults {
	return Defaults{
		IncludeSystem:            true,
		Verbose:                  false,
		ForceRestrictType:        RestrictInclude,
		ForceRestrictCollections: []string{collection},
		ForceIncludeSystem:       Bool(true),
	}
}

func pick(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// ResolveConfig produces a validated ApplierConfig from req without
// modifying it.
func ResolveConfig(req ConfigRequest, d Defaults) (ApplierConfig, error) {
	cfg := ApplierConfig{
		Endpoint:            req.Endpoint,
		Database:            req.Database,
		Username:            req.Username,
		Password:            req.Password,
		JWT:                 req.JWT,
		RestrictType:        req.RestrictType,
		RestrictCollections: slices.Clone(req.RestrictCollections),
		IncludeSystem:       pick(req.IncludeSystem, d.IncludeSystem),
		AutoStart:           pick(req.AutoStart, d.AutoStart),
		KeepBarrier:         pick(req.KeepBarrier, d.KeepBarrier),
		Verbose:             pick(req.Verbose, d.Verbose),
		Strict:              pick(req.Strict, false),
		ChunkSize:           req.ChunkSize,
		MaxReconnects:       req.MaxReconnects,
		BarrierTTL:          req.BarrierTTL,
		RequestTimeout:      req.RequestTimeout,
		InitialRetryWait:    req.InitialRetryWait,
		MaxRetryWait:        req.MaxRetryWait,
	}

	if d.ForceRestrictType != RestrictNone {
		cfg.RestrictType = d.ForceRestrictType
		cfg.RestrictCollections = slices.Clone(d.ForceRestrictCollections)
	}
	if d.ForceIncludeSystem != nil {
		cfg.IncludeSystem = *d.ForceIncludeSystem
	}
	if d.ForceKeepBarrier != nil {
		cfg.KeepBarrier = *d.ForceKeepBarrier
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.BarrierTTL <= 0 {
		cfg.BarrierTTL = DefaultBarrierTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.InitialRetryWait <= 0 {
		cfg.InitialRetryWait = DefaultInitialRetryWait
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = DefaultMaxRetryWait
	}

	if err := cfg.Validate(); err != nil {
		return ApplierConfig{}, err
	}
	return cfg, nil
}

func (c ApplierConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint scheme must be http or https, got %q", ErrInvalidConfig, u.Scheme)
	}
	switch c.RestrictType {
	case RestrictNone:
		if len(c.RestrictCollections) > 0 {
			return fmt.Errorf("%w: restrictCollections requires restrictType", ErrInvalidConfig)
		}
	case RestrictInclude, RestrictExclude:
		if len(c.RestrictCollections) == 0 {
			return fmt.Errorf("%w: restrictType %q requires restrictCollections", ErrInvalidConfig, c.RestrictType)
		}
	default:
		return fmt.Errorf("%w: unknown restrictType %q", ErrInvalidConfig, c.RestrictType)
	}
	if c.Username != "" && c.JWT != "" {
		return fmt.Errorf("%w: username and jwt are mutually exclusive", ErrInvalidConfig)
	}
	if c.BarrierTTL < time.Second {
		return fmt.Errorf("%w: barrierTTL must be at least 1s", ErrInvalidConfig)
	}
	return nil
}

// ShouldReplicate reports whether entries and data of the named collection
// pass the configured filter.
func (c ApplierConfig) ShouldReplicate(collection string) bool {
	if IsSystemCollection(collection) {
		if !c.IncludeSystem {
			return false
		}
		// system collections pass an include filter, but an explicit
		// exclusion still wins
		if c.RestrictType == RestrictExclude {
			return !slices.Contains(c.RestrictCollections, collection)
		}
		return true
	}
	switch c.RestrictType {
	case RestrictInclude:
		return slices.Contains(c.RestrictCollections, collection)
	case RestrictExclude:
		return !slices.Contains(c.RestrictCollections, collection)
	}
	return true
}

// Request converts a resolved config back into a fully specified request.
func (c ApplierConfig) Request() ConfigRequest {
	return ConfigRequest{
		Endpoint:            c.Endpoint,
		Database:            c.Database,
		Username:            c.Username,
		Password:            c.Password,
		JWT:                 c.JWT,
		RestrictType:        c.RestrictType,
		RestrictCollections: slices.Clone(c.RestrictCollections),
		IncludeSystem:       Bool(c.IncludeSystem),
		AutoStart:           Bool(c.AutoStart),
		KeepBarrier:         Bool(c.KeepBarrier),
		Verbose:             Bool(c.Verbose),
		Strict:              Bool(c.Strict),
		ChunkSize:           c.ChunkSize,
		MaxReconnects:       c.MaxReconnects,
		BarrierTTL:          c.BarrierTTL,
		RequestTimeout:      c.RequestTimeout,
		InitialRetryWait:    c.InitialRetryWait,
		MaxRetryWait:        c.MaxRetryWait,
	}
}

// ReadConfigRequest loads a ConfigRequest from a YAML file. Durations are
// written as Go duration strings ("30s", "2m").
func ReadConfigRequest(path string) (ConfigRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ConfigRequest{}, err
	}
	var req ConfigRequest
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return ConfigRequest{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return req, nil
}
