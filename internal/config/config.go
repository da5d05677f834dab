// Package config handles loading and parsing of driftstore configuration.
//
// Configuration comes from two layers: an optional YAML file, and the
// environment variables the deployment scripts set. Environment values win
// over file values so containerized deployments can override everything
// without shipping a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for driftstore.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Quota       QuotaConfig       `yaml:"quota"`
	WAL         WALConfig         `yaml:"wal"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Housekeeper HousekeeperConfig `yaml:"housekeeper"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Mirror      MirrorConfig      `yaml:"mirror"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// ShutdownTimeoutSeconds bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
	// MaxObjectSize is the largest accepted single-request upload, in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// AuthConfig holds the SigV4 credential pair.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// StorageConfig holds filesystem layout settings.
type StorageConfig struct {
	// Root is the base directory for buckets and objects.
	Root string `yaml:"root"`
}

// QuotaConfig holds per-bucket quota and usage statistics settings.
type QuotaConfig struct {
	Enabled bool `yaml:"enabled"`
	// BucketQuotaBytes is the per-bucket storage cap.
	BucketQuotaBytes int64 `yaml:"bucket_quota_bytes"`
	// FlushIntervalMS controls how often dirty quota and stats state is
	// written back to disk.
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// WALConfig holds write-ahead log settings.
type WALConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the directory holding wal.log and wal.sequence.
	Path string `yaml:"path"`
}

// ClusterConfig holds replication settings shared by the server and the
// replicator daemon.
type ClusterConfig struct {
	// NodeID identifies this node in WAL records and replication state.
	NodeID string `yaml:"node_id"`
	// Nodes lists all cluster members as "id@host:port" entries.
	Nodes []string `yaml:"nodes"`
	// BatchIntervalMS is the replication shipping interval.
	BatchIntervalMS int `yaml:"batch_interval_ms"`
	// MaxBatchSize caps the records shipped per replication cycle.
	MaxBatchSize int `yaml:"max_batch_size"`
	// StatePath is the directory holding replicator.state.
	StatePath string `yaml:"state_path"`
	// PeerRoots maps peer node IDs to their storage roots on a shared
	// volume. The replicator ships batches by copying into these trees.
	PeerRoots map[string]string `yaml:"peer_roots"`
	// PeerWALs maps peer node IDs to their WAL directories on a shared
	// volume. The replicator tails these logs and applies foreign records
	// locally, fetching object bytes from the source node when needed.
	PeerWALs map[string]string `yaml:"peer_wals"`
}

// EncryptionConfig holds server-side encryption settings.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Key is an optional base64-encoded 32-byte master key. When empty a
	// fresh key is generated per object.
	Key string `yaml:"key"`
}

// HousekeeperConfig holds empty-directory sweeper settings.
type HousekeeperConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalMinutes is the sweep period.
	IntervalMinutes int `yaml:"interval_minutes"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MirrorConfig selects the metadata mirror backend used by the replicator
// daemon. "none" disables mirroring.
type MirrorConfig struct {
	Backend   string          `yaml:"backend"`
	SQLite    SQLiteMirror    `yaml:"sqlite"`
	DynamoDB  DynamoDBMirror  `yaml:"dynamodb"`
	Firestore FirestoreMirror `yaml:"firestore"`
	Cosmos    CosmosMirror    `yaml:"cosmos"`
}

// SQLiteMirror holds SQLite mirror settings.
type SQLiteMirror struct {
	// Path is the database file. Empty means mirror.db under the cluster
	// state path.
	Path string `yaml:"path"`
}

// DynamoDBMirror holds DynamoDB mirror settings.
type DynamoDBMirror struct {
	Table     string `yaml:"table"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// FirestoreMirror holds Firestore mirror settings.
type FirestoreMirror struct {
	ProjectID        string `yaml:"project_id"`
	CredentialsFile  string `yaml:"credentials_file"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// CosmosMirror holds Azure Cosmos DB mirror settings.
type CosmosMirror struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// Node is a parsed cluster member.
type Node struct {
	ID   string
	Addr string
}

// Load reads the optional YAML file at path, layers the environment on top,
// fills defaults, and validates. A missing file is not an error; the
// environment alone can configure everything.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   9000,
			Region:                 "us-east-1",
			ShutdownTimeoutSeconds: 10,
			MaxObjectSize:          5 * 1024 * 1024 * 1024,
		},
		Storage: StorageConfig{Root: "/s3"},
		Quota: QuotaConfig{
			BucketQuotaBytes: 5 * 1024 * 1024 * 1024,
			FlushIntervalMS:  1000,
		},
		WAL: WALConfig{Path: "/wal"},
		Cluster: ClusterConfig{
			NodeID:          "node-1",
			BatchIntervalMS: 5000,
			MaxBatchSize:    1000,
			StatePath:       "/state",
		},
		Housekeeper: HousekeeperConfig{IntervalMinutes: 5},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Metrics:     MetricsConfig{Enabled: true},
		Mirror:      MirrorConfig{Backend: "none"},
	}
}

// applyEnv overlays the deployment environment variables onto cfg.
func applyEnv(cfg *Config) {
	envStr("HOST", &cfg.Server.Host)
	envInt("PORT", &cfg.Server.Port)
	envStr("STORAGE_PATH", &cfg.Storage.Root)
	envStr("ACCESS_KEY", &cfg.Auth.AccessKey)
	envStr("SECRET_KEY", &cfg.Auth.SecretKey)

	envBool("ENABLE_QUOTA_AND_STATS", &cfg.Quota.Enabled)
	envInt64("BUCKET_QUOTA_BYTES", &cfg.Quota.BucketQuotaBytes)
	envInt("QUOTA_FLUSH_INTERVAL_MS", &cfg.Quota.FlushIntervalMS)

	envBool("ENABLE_WAL", &cfg.WAL.Enabled)
	envStr("WAL_PATH", &cfg.WAL.Path)

	envStr("NODE_ID", &cfg.Cluster.NodeID)
	if v := os.Getenv("CLUSTER_NODES"); v != "" {
		cfg.Cluster.Nodes = splitNonEmpty(v, ",")
	}
	envInt("BATCH_INTERVAL_MS", &cfg.Cluster.BatchIntervalMS)
	envInt("MAX_BATCH_SIZE", &cfg.Cluster.MaxBatchSize)
	envStr("STATE_PATH", &cfg.Cluster.StatePath)
	if v := os.Getenv("PEER_STORAGE_ROOTS"); v != "" {
		cfg.Cluster.PeerRoots = parsePathMap(v)
	}
	if v := os.Getenv("PEER_WAL_PATHS"); v != "" {
		cfg.Cluster.PeerWALs = parsePathMap(v)
	}

	envBool("ENABLE_ENCRYPTION", &cfg.Encryption.Enabled)
	envStr("ENCRYPTION_KEY", &cfg.Encryption.Key)

	envBool("AUTO_REMOVE_EMPTY_FOLDERS", &cfg.Housekeeper.Enabled)
	envInt("AUTO_REMOVE_EMPTY_FOLDERS_EVERY_X_MIN", &cfg.Housekeeper.IntervalMinutes)

	envStr("LOG_LEVEL", &cfg.Logging.Level)
	envStr("LOG_FORMAT", &cfg.Logging.Format)
}

// applyDefaults fills fields still at their zero value after the file and
// environment layers.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "/s3"
	}
	if cfg.Quota.BucketQuotaBytes == 0 {
		cfg.Quota.BucketQuotaBytes = 5 * 1024 * 1024 * 1024
	}
	if cfg.Quota.FlushIntervalMS == 0 {
		cfg.Quota.FlushIntervalMS = 1000
	}
	if cfg.WAL.Path == "" {
		cfg.WAL.Path = "/wal"
	}
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = "node-1"
	}
	if cfg.Cluster.BatchIntervalMS == 0 {
		cfg.Cluster.BatchIntervalMS = 5000
	}
	if cfg.Cluster.MaxBatchSize == 0 {
		cfg.Cluster.MaxBatchSize = 1000
	}
	if cfg.Cluster.StatePath == "" {
		cfg.Cluster.StatePath = "/state"
	}
	if cfg.Housekeeper.IntervalMinutes == 0 {
		cfg.Housekeeper.IntervalMinutes = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Mirror.Backend == "" {
		cfg.Mirror.Backend = "none"
	}
}

// Validate checks that required values are present and well-formed.
func (c *Config) Validate() error {
	if c.Auth.AccessKey == "" || c.Auth.SecretKey == "" {
		return fmt.Errorf("config: ACCESS_KEY and SECRET_KEY are required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if _, err := c.ClusterNodes(); err != nil {
		return err
	}
	return nil
}

// ClusterNodes parses the "id@host:port" member list.
func (c *Config) ClusterNodes() ([]Node, error) {
	nodes := make([]Node, 0, len(c.Cluster.Nodes))
	for _, raw := range c.Cluster.Nodes {
		id, addr, ok := strings.Cut(strings.TrimSpace(raw), "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("config: invalid cluster node %q, want id@host:port", raw)
		}
		nodes = append(nodes, Node{ID: id, Addr: addr})
	}
	return nodes, nil
}

// Peers returns the cluster members other than this node.
func (c *Config) Peers() []Node {
	nodes, err := c.ClusterNodes()
	if err != nil {
		return nil
	}
	peers := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != c.Cluster.NodeID {
			peers = append(peers, n)
		}
	}
	return peers
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// envBool accepts "1"/"true"/"yes" (any case) as true and "0"/"false"/"no"
// as false. Other values leave dst unchanged.
func envBool(name string, dst *bool) {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePathMap parses a comma list of "id=path" pairs.
func parsePathMap(s string) map[string]string {
	m := make(map[string]string)
	for _, entry := range splitNonEmpty(s, ",") {
		id, path, ok := strings.Cut(entry, "=")
		if !ok || id == "" || path == "" {
			continue
		}
		m[strings.TrimSpace(id)] = strings.TrimSpace(path)
	}
	return m
}
