package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/orchestrator"
	"pgcluster/pkg/postgres"
	"pgcluster/pkg/probe"
	"pgcluster/pkg/remote"
)

var validate = validator.New()

// Config represents the application configuration
type Config struct {
	Test     TestConfig     `mapstructure:"test"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Server   ServerConfig   `mapstructure:"server"`
}

// TestConfig holds the options a test run selects.
type TestConfig struct {
	Isolation      string  `mapstructure:"isolation" validate:"oneof=serializable repeatable-read read-committed read-uncommitted"`
	ForceReinstall bool    `mapstructure:"force_reinstall"`
	FaketimeRatio  float64 `mapstructure:"faketime_ratio" validate:"gte=0"`
	TarballURL     string  `mapstructure:"tarball_url" validate:"omitempty,url"`
}

// NodeConfig is one cluster member.
type NodeConfig struct {
	ID      string `mapstructure:"id" validate:"required"`
	Address string `mapstructure:"address" validate:"required"`
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// ClusterConfig lists the nodes under test.
type ClusterConfig struct {
	Nodes  []NodeConfig `mapstructure:"nodes" validate:"required,min=1,dive"`
	Leader string       `mapstructure:"leader"`
}

// SSHConfig contains remote execution settings. Local runs every command on
// this host instead.
type SSHConfig struct {
	Local          bool          `mapstructure:"local"`
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Password       string        `mapstructure:"password"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	Sudo           bool          `mapstructure:"sudo"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
}

// PostgresConfig contains database installation settings
type PostgresConfig struct {
	Version              string `mapstructure:"version" validate:"required"`
	User                 string `mapstructure:"user" validate:"required"`
	Password             string `mapstructure:"password"`
	Database             string `mapstructure:"database" validate:"required"`
	BaseDir              string `mapstructure:"base_dir" validate:"required"`
	PerNodeDirs          bool   `mapstructure:"per_node_dirs"`
	BinDir               string `mapstructure:"bin_dir"`
	RunAs                bool   `mapstructure:"run_as"`
	LeaderSharedBuffers  string `mapstructure:"leader_shared_buffers"`
	LeaderCacheSize      string `mapstructure:"leader_cache_size"`
	ReplicaSharedBuffers string `mapstructure:"replica_shared_buffers"`
	ReplicaCacheSize     string `mapstructure:"replica_cache_size"`
	MaxConnections       int    `mapstructure:"max_connections" validate:"gte=1"`
}

// TimeoutsConfig bounds every blocking step of a run.
type TimeoutsConfig struct {
	Install          time.Duration `mapstructure:"install" validate:"gt=0"`
	Init             time.Duration `mapstructure:"init" validate:"gt=0"`
	Bootstrap        time.Duration `mapstructure:"bootstrap" validate:"gt=0"`
	Barrier          time.Duration `mapstructure:"barrier" validate:"gt=0"`
	Stop             time.Duration `mapstructure:"stop" validate:"gt=0"`
	Teardown         time.Duration `mapstructure:"teardown" validate:"gt=0"`
	ProbeMax         time.Duration `mapstructure:"probe_max" validate:"gt=0"`
	ProbePoll        time.Duration `mapstructure:"probe_poll" validate:"gt=0"`
	MaxRestarts      int           `mapstructure:"max_restarts" validate:"gte=0"`
	UnknownWarnAfter int           `mapstructure:"unknown_warn_after" validate:"gte=0"`
	StartGrace       time.Duration `mapstructure:"start_grace" validate:"gte=0"`
}

// StorageConfig contains run store configuration
type StorageConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=badger memory"`
	DataDir string        `mapstructure:"data_dir"`
	RunTTL  time.Duration `mapstructure:"run_ttl" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// ServerConfig contains the status server configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pgcluster")
	}

	setDefaults(v)

	// PGCLUSTER_TEST_ISOLATION overrides test.isolation, and so on.
	v.SetEnvPrefix("PGCLUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	pg := postgres.DefaultConfig()
	opts := orchestrator.DefaultOptions()

	// Test defaults
	v.SetDefault("test.isolation", postgres.Serializable)
	v.SetDefault("test.force_reinstall", false)
	v.SetDefault("test.faketime_ratio", 0.0)
	v.SetDefault("test.tarball_url", "")

	// Cluster defaults
	v.SetDefault("cluster.nodes", []map[string]interface{}{
		{"id": "n1", "address": "127.0.0.1", "port": 0},
	})
	v.SetDefault("cluster.leader", "")

	// SSH defaults
	v.SetDefault("ssh.local", false)
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.private_key_path", "")
	v.SetDefault("ssh.password", "")
	v.SetDefault("ssh.known_hosts_path", "")
	v.SetDefault("ssh.sudo", false)
	v.SetDefault("ssh.dial_timeout", 10*time.Second)

	// Postgres defaults
	v.SetDefault("postgres.version", pg.Version)
	v.SetDefault("postgres.user", pg.User)
	v.SetDefault("postgres.password", pg.Password)
	v.SetDefault("postgres.database", pg.Database)
	v.SetDefault("postgres.base_dir", pg.BaseDir)
	v.SetDefault("postgres.per_node_dirs", pg.PerNodeDirs)
	v.SetDefault("postgres.bin_dir", pg.BinDir)
	v.SetDefault("postgres.run_as", pg.RunAs)
	v.SetDefault("postgres.leader_shared_buffers", pg.LeaderSharedBuffers)
	v.SetDefault("postgres.leader_cache_size", pg.LeaderCacheSize)
	v.SetDefault("postgres.replica_shared_buffers", pg.ReplicaSharedBuffers)
	v.SetDefault("postgres.replica_cache_size", pg.ReplicaCacheSize)
	v.SetDefault("postgres.max_connections", pg.MaxConnections)

	// Timeout defaults
	v.SetDefault("timeouts.install", opts.InstallTimeout)
	v.SetDefault("timeouts.init", opts.InitTimeout)
	v.SetDefault("timeouts.bootstrap", opts.BootstrapTimeout)
	v.SetDefault("timeouts.barrier", opts.BarrierTimeout)
	v.SetDefault("timeouts.stop", opts.StopTimeout)
	v.SetDefault("timeouts.teardown", opts.TeardownTimeout)
	v.SetDefault("timeouts.probe_max", opts.Readiness.MaxDuration)
	v.SetDefault("timeouts.probe_poll", opts.Readiness.PollInterval)
	v.SetDefault("timeouts.max_restarts", opts.Readiness.MaxRestarts)
	v.SetDefault("timeouts.unknown_warn_after", opts.Readiness.UnknownWarnAfter)
	v.SetDefault("timeouts.start_grace", opts.Readiness.StartGrace)

	// Storage defaults
	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.run_ttl", 7*24*time.Hour)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9187")
	v.SetDefault("metrics.path", "/metrics")

	// Status server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 9190)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)
	config.Postgres.BaseDir = filepath.Clean(config.Postgres.BaseDir)

	if err := validate.Struct(config); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	seen := make(map[string]bool, len(config.Cluster.Nodes))
	for _, n := range config.Cluster.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("cluster.nodes: duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	if config.Cluster.Leader != "" && !seen[config.Cluster.Leader] {
		return fmt.Errorf("cluster.leader %q is not one of cluster.nodes", config.Cluster.Leader)
	}

	// Nodes on one host must not share a data directory or postmaster.pid.
	if config.SSH.Local && len(config.Cluster.Nodes) > 1 && !config.Postgres.PerNodeDirs {
		return fmt.Errorf("postgres.per_node_dirs is required for a local cluster of more than one node")
	}

	if !config.SSH.Local && config.SSH.PrivateKeyPath == "" && config.SSH.Password == "" {
		return fmt.Errorf("ssh.private_key_path or ssh.password is required unless ssh.local is set")
	}

	if config.Server.Enabled && (config.Server.Port < 1 || config.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if config.Metrics.Enabled && config.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// GetDefaultConfig returns a default configuration for a single local node.
func GetDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("ssh.local", true)

	var config Config
	_ = v.Unmarshal(&config)
	_ = validateConfig(&config)

	return &config
}

// Specs returns the cluster members in configuration order.
func (c *Config) Specs() []cluster.Spec {
	specs := make([]cluster.Spec, 0, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		specs = append(specs, cluster.Spec{ID: n.ID, Address: n.Address, Port: n.Port})
	}
	return specs
}

// PostgresConfig converts the postgres and test sections for the recipe.
func (c *Config) PostgresConfig() postgres.Config {
	p := c.Postgres
	return postgres.Config{
		Version:              p.Version,
		User:                 p.User,
		Password:             p.Password,
		Database:             p.Database,
		BaseDir:              p.BaseDir,
		PerNodeDirs:          p.PerNodeDirs,
		BinDir:               p.BinDir,
		TarballURL:           c.Test.TarballURL,
		Isolation:            c.Test.Isolation,
		RunAs:                p.RunAs,
		LeaderSharedBuffers:  p.LeaderSharedBuffers,
		LeaderCacheSize:      p.LeaderCacheSize,
		ReplicaSharedBuffers: p.ReplicaSharedBuffers,
		ReplicaCacheSize:     p.ReplicaCacheSize,
		MaxConnections:       p.MaxConnections,
	}
}

// Options converts the test and timeouts sections for the orchestrator.
func (c *Config) Options() orchestrator.Options {
	t := c.Timeouts
	return orchestrator.Options{
		ForceReinstall:   c.Test.ForceReinstall,
		FaketimeRatio:    c.Test.FaketimeRatio,
		InstallTimeout:   t.Install,
		InitTimeout:      t.Init,
		BootstrapTimeout: t.Bootstrap,
		BarrierTimeout:   t.Barrier,
		StopTimeout:      t.Stop,
		TeardownTimeout:  t.Teardown,
		Readiness: probe.Spec{
			MaxDuration:      t.ProbeMax,
			PollInterval:     t.ProbePoll,
			MaxRestarts:      t.MaxRestarts,
			UnknownWarnAfter: t.UnknownWarnAfter,
			StartGrace:       t.StartGrace,
		},
	}
}

// SSHConfig converts the ssh section for the SSH executor.
func (c *Config) SSHConfig() remote.SSHConfig {
	s := c.SSH
	return remote.SSHConfig{
		User:           s.User,
		Port:           s.Port,
		PrivateKeyPath: s.PrivateKeyPath,
		Password:       s.Password,
		KnownHostsPath: s.KnownHostsPath,
		Sudo:           s.Sudo,
		DialTimeout:    s.DialTimeout,
	}
}
