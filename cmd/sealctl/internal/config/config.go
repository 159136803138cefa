package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the corresponding field is unset.
const (
	DefaultTransitMount   = "transit"
	DefaultTransitKeyName = "autounseal"
	DefaultRecoveryShares = 5
	DefaultRecoveryThresh = 3
	DefaultUnsealInterval = 2 * time.Second
	DefaultUnsealAttempts = 30
	DefaultJoinAttempts   = 10
	DefaultReachTimeout   = 5 * time.Minute
	DefaultSnapInterval   = 10 * time.Minute
	DefaultSnapRetain     = 3
	DefaultStateDir       = "/var/lib/sealctl"
)

// Config is the full startup configuration for sealctl.
// It is validated before any bootstrap transition begins.
type Config struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Transit  TransitConfig  `yaml:"transit"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	TLS      TLSConfig      `yaml:"tls"`

	// StateDir is where recovery material and bootstrap markers are
	// persisted (operator-facing, written once).
	StateDir string `yaml:"state_dir"`
}

// ClusterConfig identifies the main cluster and its member nodes.
// Node ordering is significant: the first node is always the seed for
// first-time initialization, so re-runs pick the same node.
type ClusterConfig struct {
	Name  string   `yaml:"name"`
	Nodes []string `yaml:"nodes"`

	// Quorum is the number of joined voters required for the cluster
	// to count as usable. Defaults to a majority of Nodes.
	Quorum int `yaml:"quorum"`

	// RecoveryShares/RecoveryThreshold control the recovery key split
	// produced at first initialization.
	RecoveryShares    int `yaml:"recovery_shares"`
	RecoveryThreshold int `yaml:"recovery_threshold"`

	UnsealPollInterval time.Duration `yaml:"unseal_poll_interval"`
	UnsealMaxAttempts  int           `yaml:"unseal_max_attempts"`
	JoinMaxAttempts    int           `yaml:"join_max_attempts"`
}

// TransitConfig points at the standalone transit instance used for
// auto-unseal.
type TransitConfig struct {
	Addr    string `yaml:"addr"`
	Mount   string `yaml:"mount"`
	KeyName string `yaml:"key_name"`

	// Token authenticates the bootstrap run against transit. Falls back
	// to SEALCTL_TRANSIT_TOKEN, then VAULT_TOKEN.
	Token string `yaml:"token"`

	// ReachTimeout bounds the initial reachability wait.
	ReachTimeout time.Duration `yaml:"reach_timeout"`
}

// SnapshotConfig drives the snapshot agent.
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
	Retain   int           `yaml:"retain"`

	// NodeAddr is the local cluster node the agent snapshots through,
	// and the address compared against the elected leader.
	NodeAddr string `yaml:"node_addr"`

	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// TLSConfig applies to all cluster node connections.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`

	// SkipVerify is honored only for loopback addresses; Validate
	// rejects it for anything routable.
	SkipVerify bool `yaml:"skip_verify"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %q: %w", path, err)
	}

	return &cfg, nil
}

// applyEnv fills credential fields from the environment when the file
// leaves them empty, so secrets can stay out of the config file.
func (c *Config) applyEnv() {
	if c.Transit.Token == "" {
		c.Transit.Token = firstEnv("SEALCTL_TRANSIT_TOKEN", "VAULT_TOKEN")
	}
	if c.Snapshot.AccessKey == "" {
		c.Snapshot.AccessKey = firstEnv("SEALCTL_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	}
	if c.Snapshot.SecretKey == "" {
		c.Snapshot.SecretKey = firstEnv("SEALCTL_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks the configuration and applies defaults in place.
func (c *Config) Validate() error {
	if c.Cluster.Name == "" {
		return fmt.Errorf("cluster.name is required")
	}
	if len(c.Cluster.Nodes) == 0 {
		return fmt.Errorf("cluster.nodes must list at least one node")
	}
	for i, n := range c.Cluster.Nodes {
		if err := validateAddr(n); err != nil {
			return fmt.Errorf("cluster.nodes[%d]: %w", i, err)
		}
	}
	if c.Cluster.Quorum == 0 {
		c.Cluster.Quorum = len(c.Cluster.Nodes)/2 + 1
	}
	if c.Cluster.Quorum < 1 || c.Cluster.Quorum > len(c.Cluster.Nodes) {
		return fmt.Errorf("cluster.quorum %d out of range for %d nodes",
			c.Cluster.Quorum, len(c.Cluster.Nodes))
	}
	if c.Cluster.RecoveryShares == 0 {
		c.Cluster.RecoveryShares = DefaultRecoveryShares
	}
	if c.Cluster.RecoveryThreshold == 0 {
		c.Cluster.RecoveryThreshold = DefaultRecoveryThresh
	}
	if c.Cluster.RecoveryThreshold > c.Cluster.RecoveryShares {
		return fmt.Errorf("cluster.recovery_threshold %d exceeds recovery_shares %d",
			c.Cluster.RecoveryThreshold, c.Cluster.RecoveryShares)
	}
	if c.Cluster.UnsealPollInterval == 0 {
		c.Cluster.UnsealPollInterval = DefaultUnsealInterval
	}
	if c.Cluster.UnsealMaxAttempts == 0 {
		c.Cluster.UnsealMaxAttempts = DefaultUnsealAttempts
	}
	if c.Cluster.JoinMaxAttempts == 0 {
		c.Cluster.JoinMaxAttempts = DefaultJoinAttempts
	}

	if c.Transit.Addr == "" {
		return fmt.Errorf("transit.addr is required")
	}
	if err := validateAddr(c.Transit.Addr); err != nil {
		return fmt.Errorf("transit.addr: %w", err)
	}
	if c.Transit.Mount == "" {
		c.Transit.Mount = DefaultTransitMount
	}
	if c.Transit.KeyName == "" {
		c.Transit.KeyName = DefaultTransitKeyName
	}
	if c.Transit.ReachTimeout == 0 {
		c.Transit.ReachTimeout = DefaultReachTimeout
	}

	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = DefaultSnapInterval
	}
	if c.Snapshot.Retain == 0 {
		c.Snapshot.Retain = DefaultSnapRetain
	}
	if c.Snapshot.Retain < 1 {
		return fmt.Errorf("snapshot.retain must be at least 1")
	}
	if c.Snapshot.Prefix == "" {
		c.Snapshot.Prefix = c.Cluster.Name
	}

	if c.TLS.SkipVerify {
		for _, n := range append([]string{c.Transit.Addr}, c.Cluster.Nodes...) {
			if !isLoopback(n) {
				return fmt.Errorf("tls.skip_verify is only allowed for loopback addresses, got %q", n)
			}
		}
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}

	return nil
}

func validateAddr(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q must use http or https", addr)
	}
	if u.Host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}
	return nil
}

func isLoopback(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasPrefix(host, "127.")
}
