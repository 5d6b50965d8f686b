// Package config loads replica and server settings.
//
// Settings come from three layers, later layers winning: built-in defaults,
// a YAML file, then CRDT_* environment variables. Command-line flags are
// applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
)

// Storage backends for a replica.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Backends lists the accepted values of Config.Backend.
var Backends = []string{BackendSQLite, BackendBolt, BackendMemory}

// Defaults.
const (
	DefaultDB             = "crdt.db"
	DefaultGroupID        = "my-group"
	DefaultSyncInterval   = 4 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxDrift       = time.Minute
	DefaultMaxRounds      = 16
	DefaultServerAddr     = ":8006"
	DefaultServerDB       = "server.db"
)

// Config holds the settings of one replica and, for `crdt serve`, of the
// sync server.
type Config struct {
	// DB is the replica database path. Ignored by the memory backend.
	DB string `yaml:"db"`

	// Backend selects the replica storage engine.
	Backend string `yaml:"backend"`

	// Endpoint is the sync server base URL. Empty disables sync unless
	// Discover finds a server on the local network.
	Endpoint string `yaml:"endpoint"`

	// GroupID names the set of replicas that share data.
	GroupID string `yaml:"group_id"`

	// NodeID fixes the node id of a fresh replica. Empty generates one.
	NodeID string `yaml:"node_id"`

	SyncInterval   time.Duration `yaml:"sync_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxDrift       time.Duration `yaml:"max_drift"`
	MaxRounds      int           `yaml:"max_rounds"`

	// Discover browses mDNS for a sync server when Endpoint is empty.
	Discover bool `yaml:"discover"`

	Server Server `yaml:"server"`
}

// Server holds the settings of the sync server.
type Server struct {
	Addr string `yaml:"addr"`

	// DB is the SQLite path of the group message store. Ignored when
	// PostgresURL is set.
	DB          string `yaml:"db"`
	PostgresURL string `yaml:"postgres_url"`

	// RedisAddr enables cross-instance change notices.
	RedisAddr string `yaml:"redis_addr"`

	Advertise     bool   `yaml:"advertise"`
	AdvertiseName string `yaml:"advertise_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB:             DefaultDB,
		Backend:        BackendSQLite,
		GroupID:        DefaultGroupID,
		SyncInterval:   DefaultSyncInterval,
		RequestTimeout: DefaultRequestTimeout,
		MaxDrift:       DefaultMaxDrift,
		MaxRounds:      DefaultMaxRounds,
		Server: Server{
			Addr: DefaultServerAddr,
			DB:   DefaultServerDB,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvDB             = "CRDT_DB"
	EnvBackend        = "CRDT_BACKEND"
	EnvEndpoint       = "CRDT_ENDPOINT"
	EnvGroupID        = "CRDT_GROUP_ID"
	EnvNodeID         = "CRDT_NODE_ID"
	EnvSyncInterval   = "CRDT_SYNC_INTERVAL"
	EnvRequestTimeout = "CRDT_REQUEST_TIMEOUT"
	EnvMaxDrift       = "CRDT_MAX_DRIFT"
	EnvMaxRounds      = "CRDT_MAX_ROUNDS"
	EnvDiscover       = "CRDT_DISCOVER"
	EnvServerAddr     = "CRDT_SERVER_ADDR"
	EnvServerDB       = "CRDT_SERVER_DB"
	EnvPostgresURL    = "CRDT_POSTGRES_URL"
	EnvRedisAddr      = "CRDT_REDIS_ADDR"
)

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvDB:          &c.DB,
		EnvBackend:     &c.Backend,
		EnvEndpoint:    &c.Endpoint,
		EnvGroupID:     &c.GroupID,
		EnvNodeID:      &c.NodeID,
		EnvServerAddr:  &c.Server.Addr,
		EnvServerDB:    &c.Server.DB,
		EnvPostgresURL: &c.Server.PostgresURL,
		EnvRedisAddr:   &c.Server.RedisAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durs := map[string]*time.Duration{
		EnvSyncInterval:   &c.SyncInterval,
		EnvRequestTimeout: &c.RequestTimeout,
		EnvMaxDrift:       &c.MaxDrift,
	}
	for key, dst := range durs {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvMaxRounds); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRounds, err)
		}
		c.MaxRounds = n
	}
	if v, ok := lookup(EnvDiscover); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDiscover, err)
		}
		c.Discover = b
	}
	return nil
}

// Validate checks the replica settings.
func (c Config) Validate() error {
	var errs []error

	if !isValidBackend(c.Backend) {
		errs = append(errs, fmt.Errorf("backend %q: must be one of %s", c.Backend, strings.Join(Backends, ", ")))
	}
	if c.Backend != BackendMemory && c.DB == "" {
		errs = append(errs, errors.New("db: required for the "+c.Backend+" backend"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group_id: required"))
	}
	if c.NodeID != "" {
		if err := hlc.ValidateNode(c.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("node_id: %w", err))
		}
	}
	if c.Endpoint != "" && !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		errs = append(errs, fmt.Errorf("endpoint %q: must be an http or https URL", c.Endpoint))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval: must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout: must be positive"))
	}
	if c.MaxDrift <= 0 {
		errs = append(errs, errors.New("max_drift: must be positive"))
	}
	if c.MaxRounds < 1 {
		errs = append(errs, errors.New("max_rounds: must be at least 1"))
	}

	return errors.Join(errs...)
}

func isValidBackend(b string) bool {
	for _, v := range Backends {
		if v == b {
			return true
		}
	}
	return false
}
