package driver

import (
	"flag"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/romankagan/cql-driver/pkg/conn"
	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/engine"
	"github.com/romankagan/cql-driver/pkg/pool"
)

// ClusterConfig defines how a Session connects to and drives a cluster.
type ClusterConfig struct {
	// Addresses is a comma-separated seed list; entries without a port
	// get Port appended.
	Addresses string `yaml:"addresses"`
	Port      int    `yaml:"port"`

	Consistency string        `yaml:"consistency"`
	Timeout     time.Duration `yaml:"timeout"`
	PageSize    int           `yaml:"page_size"`

	Compression bool `yaml:"compression"`
	// ChecksumFrames appends an xxhash64 body checksum to every frame
	// and verifies it on decode.
	ChecksumFrames bool `yaml:"checksum_frames"`

	MaxStreamsPerConn int `yaml:"max_streams_per_conn"`

	// AllowRemoteFallback lets plans fall back to REMOTE nodes for
	// non-datacenter-local consistency levels.
	AllowRemoteFallback bool `yaml:"allow_remote_fallback"`

	// SpeculativeThreshold, when positive, forks an extra attempt for
	// idempotent statements after this much silence, up to
	// SpeculativeMaxAttempts total attempts.
	SpeculativeThreshold   time.Duration `yaml:"speculative_threshold"`
	SpeculativeMaxAttempts int           `yaml:"speculative_max_attempts"`

	MaxSameNodeRetries int `yaml:"max_same_node_retries"`

	// DisableInitialHostLookup skips the system.peers discovery query
	// at startup; only seed nodes are used until push events arrive.
	DisableInitialHostLookup bool `yaml:"disable_initial_host_lookup"`

	Pool pool.Config `yaml:"pool"`
}

// RegisterFlags adds the driver flags to the given FlagSet.
func (cfg *ClusterConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Addresses, "cql.addresses", "", "Comma-separated hostnames or ips of cluster seed nodes.")
	f.IntVar(&cfg.Port, "cql.port", 9042, "Native protocol port, used for seeds and discovered peers without an explicit port.")
	f.StringVar(&cfg.Consistency, "cql.consistency", "QUORUM", "Default consistency level.")
	f.DurationVar(&cfg.Timeout, "cql.timeout", 600*time.Millisecond, "Default per-attempt request timeout.")
	f.IntVar(&cfg.PageSize, "cql.page-size", 5000, "Default result page size in rows.")
	f.BoolVar(&cfg.Compression, "cql.compression", false, "Compress frame bodies with snappy.")
	f.BoolVar(&cfg.ChecksumFrames, "cql.checksum-frames", false, "Checksum frame bodies with xxhash64.")
	f.IntVar(&cfg.MaxStreamsPerConn, "cql.max-streams-per-conn", conn.DefaultMaxStreams, "Concurrent requests multiplexed per connection.")
	f.BoolVar(&cfg.AllowRemoteFallback, "cql.allow-remote-fallback", false, "Allow query plans to fall back to remote-datacenter nodes.")
	f.DurationVar(&cfg.SpeculativeThreshold, "cql.speculative-threshold", 0, "Fork a speculative attempt for idempotent statements after this delay; 0 disables.")
	f.IntVar(&cfg.SpeculativeMaxAttempts, "cql.speculative-max-attempts", 2, "Maximum total attempts per request when speculating.")
	f.IntVar(&cfg.MaxSameNodeRetries, "cql.max-same-node-retries", 1, "Retries on the same node for recoverable server errors.")
	f.BoolVar(&cfg.DisableInitialHostLookup, "cql.disable-initial-host-lookup", false, "Do not query system.peers for cluster members at startup.")
	cfg.Pool.RegisterFlagsWithPrefix("cql.", f)
}

// LoadConfig parses a YAML cluster configuration, rejecting unknown
// fields.
func LoadConfig(data []byte) (*ClusterConfig, error) {
	cfg := &ClusterConfig{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing cluster config")
	}
	return cfg, nil
}

// seeds expands Addresses into host:port form.
func (cfg *ClusterConfig) seeds() ([]string, error) {
	if strings.TrimSpace(cfg.Addresses) == "" {
		return nil, errors.New("no seed addresses configured")
	}
	var out []string
	for _, a := range strings.Split(cfg.Addresses, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(a); err != nil {
			a = net.JoinHostPort(a, strconv.Itoa(cfg.Port))
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("no seed addresses configured")
	}
	return out, nil
}

func (cfg *ClusterConfig) consistency() (cql.Consistency, error) {
	if cfg.Consistency == "" {
		return cql.Quorum, nil
	}
	return cql.ParseConsistency(cfg.Consistency)
}

func (cfg *ClusterConfig) engineConfig(consistency cql.Consistency) engine.Config {
	return engine.Config{
		DefaultConsistency: consistency,
		DefaultPageSize:    int32(cfg.PageSize),
		DefaultTimeout:     cfg.Timeout,
	}
}
