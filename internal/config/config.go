package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"

	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Raft      RaftConfig      `mapstructure:"raft"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Streams   StreamsConfig   `mapstructure:"streams"`
	Transport TransportConfig `mapstructure:"transport"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Log       LogConfig       `mapstructure:"log"`
}

type NodeConfig struct {
	ID     int16  `mapstructure:"id"`
	LogDir string `mapstructure:"log_dir"`
	// StateDir holds the vote and commit database. Defaults to <log_dir>/state.
	StateDir string `mapstructure:"state_dir"`
}

type ClusterConfig struct {
	Members []int16 `mapstructure:"members"`
}

type RaftConfig struct {
	TimeoutMs           int64 `mapstructure:"timeout_ms"`
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms"`
	FragmentLimit       int   `mapstructure:"fragment_limit"`
	MaxClaimAttempts    int   `mapstructure:"max_claim_attempts"`
	Seed                int64 `mapstructure:"seed"`
}

type ArchiveConfig struct {
	TermBufferLength int32 `mapstructure:"term_buffer_length"`
	InitialTermID    int32 `mapstructure:"initial_term_id"`
	CacheCapacity    int   `mapstructure:"cache_capacity"`
}

type StreamsConfig struct {
	Channel         string `mapstructure:"channel"`
	Control         int32  `mapstructure:"control"`
	Data            int32  `mapstructure:"data"`
	Acknowledgement int32  `mapstructure:"acknowledgement"`
	DataSessionID   int32  `mapstructure:"data_session_id"`
}

type TransportConfig struct {
	Kind     string         `mapstructure:"kind"`
	TCP      TCPConfig      `mapstructure:"tcp"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type TCPConfig struct {
	Address string `mapstructure:"address"`
	// Peers maps member ids to their listen addresses.
	Peers map[string]string `mapstructure:"peers"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	ClientID    string   `mapstructure:"client_id"`
	Partitions  int      `mapstructure:"partitions"`
	TLS         bool     `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
}

type ReplayConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Network        string `mapstructure:"network"`
	Address        string `mapstructure:"address"`
	UnixSocketPath string `mapstructure:"unix_socket_path"`
	MaxInflight    int    `mapstructure:"max_inflight"`
	QueueLimit     int    `mapstructure:"queue_limit"`
	Workers        int    `mapstructure:"workers"`
	AuthToken      string `mapstructure:"auth_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	TransportIPC      = "ipc"
	TransportTCP      = "tcp"
	TransportKafka    = "kafka"
	TransportRabbitMQ = "rabbitmq"
)

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("gatewaylog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("raft.timeout_ms", 100)
	v.SetDefault("raft.fragment_limit", 10)
	v.SetDefault("raft.max_claim_attempts", 100)
	v.SetDefault("archive.term_buffer_length", 64<<10)
	v.SetDefault("archive.cache_capacity", 10)
	v.SetDefault("streams.channel", "aeron:ipc")
	v.SetDefault("streams.control", 1)
	v.SetDefault("streams.data", 2)
	v.SetDefault("streams.acknowledgement", 3)
	v.SetDefault("streams.data_session_id", 43)
	v.SetDefault("transport.kind", TransportIPC)
	v.SetDefault("transport.kafka.topic_prefix", "gatewaylog")
	v.SetDefault("transport.kafka.partitions", 1)
	v.SetDefault("transport.rabbitmq.exchange", "gatewaylog")
	v.SetDefault("transport.rabbitmq.prefetch_count", 256)
	v.SetDefault("replay.network", "tcp")
	v.SetDefault("replay.address", "127.0.0.1:7400")
	v.SetDefault("replay.max_inflight", 64)
	v.SetDefault("replay.queue_limit", 4096)
	v.SetDefault("replay.workers", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// derive fills settings whose defaults depend on other settings.
func (c *Config) derive() {
	if c.Raft.HeartbeatIntervalMs == 0 {
		c.Raft.HeartbeatIntervalMs = c.Raft.TimeoutMs / 2
	}
	if c.Node.StateDir == "" && c.Node.LogDir != "" {
		c.Node.StateDir = filepath.Join(c.Node.LogDir, "state")
	}
	if len(c.Cluster.Members) == 0 && c.Node.ID > 0 {
		c.Cluster.Members = []int16{c.Node.ID}
	}
}

func (c Config) Validate() error {
	if c.Node.ID <= 0 {
		return fmt.Errorf("node.id must be positive, got %d", c.Node.ID)
	}
	if c.Node.LogDir == "" {
		return fmt.Errorf("node.log_dir is required")
	}
	seen := make(map[int16]bool, len(c.Cluster.Members))
	for _, id := range c.Cluster.Members {
		if id <= 0 {
			return fmt.Errorf("cluster.members: member id %d must be positive", id)
		}
		if seen[id] {
			return fmt.Errorf("cluster.members: member %d listed twice", id)
		}
		seen[id] = true
	}
	if !seen[c.Node.ID] {
		return fmt.Errorf("cluster.members must contain node.id %d", c.Node.ID)
	}
	if c.Raft.TimeoutMs <= 0 {
		return fmt.Errorf("raft.timeout_ms must be positive")
	}
	if c.Raft.HeartbeatIntervalMs <= 0 || c.Raft.HeartbeatIntervalMs >= c.Raft.TimeoutMs {
		return fmt.Errorf("raft.heartbeat_interval_ms must be in (0, raft.timeout_ms), got %d", c.Raft.HeartbeatIntervalMs)
	}
	if c.Raft.FragmentLimit <= 0 {
		return fmt.Errorf("raft.fragment_limit must be positive")
	}
	if err := logbuffer.CheckTermLength(c.Archive.TermBufferLength); err != nil {
		return fmt.Errorf("archive.term_buffer_length: %w", err)
	}
	if c.Streams.Channel == "" {
		return fmt.Errorf("streams.channel is required")
	}
	if s := c.Streams; s.Control == s.Data || s.Control == s.Acknowledgement || s.Data == s.Acknowledgement {
		return fmt.Errorf("streams.control, streams.data and streams.acknowledgement must differ")
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	if c.Replay.Enabled {
		switch c.Replay.Network {
		case "unix":
			if c.Replay.UnixSocketPath == "" {
				return fmt.Errorf("replay.unix_socket_path is required for a unix replay socket")
			}
		case "tcp", "tcp4", "tcp6":
			if c.Replay.Address == "" {
				return fmt.Errorf("replay.address is required")
			}
		default:
			return fmt.Errorf("replay.network %q is not supported", c.Replay.Network)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c Config) validateTransport() error {
	switch c.Transport.Kind {
	case TransportIPC:
		if len(c.Cluster.Members) != 1 {
			return fmt.Errorf("transport.kind=ipc runs a single-member cluster, have %d members", len(c.Cluster.Members))
		}
	case TransportTCP:
		if c.Transport.TCP.Address == "" {
			return fmt.Errorf("transport.tcp.address is required")
		}
		peers, err := c.Transport.TCP.PeerAddresses()
		if err != nil {
			return err
		}
		for _, id := range c.Cluster.Members {
			if _, ok := peers[domain.NodeID(id)]; !ok && id != c.Node.ID {
				return fmt.Errorf("transport.tcp.peers has no address for member %d", id)
			}
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kafka.brokers is required")
		}
	case TransportRabbitMQ:
		if c.Transport.RabbitMQ.URL == "" && len(c.Transport.RabbitMQ.Endpoints) == 0 {
			return fmt.Errorf("transport.rabbitmq.url or transport.rabbitmq.endpoints is required")
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of ipc, tcp, kafka, rabbitmq", c.Transport.Kind)
	}
	return nil
}

// MemberIDs returns cluster.members as node ids.
func (c Config) MemberIDs() []domain.NodeID {
	out := make([]domain.NodeID, 0, len(c.Cluster.Members))
	for _, id := range c.Cluster.Members {
		out = append(out, domain.NodeID(id))
	}
	return out
}

func (c TCPConfig) PeerAddresses() (map[domain.NodeID]string, error) {
	out := make(map[domain.NodeID]string, len(c.Peers))
	for k, addr := range c.Peers {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 16)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("transport.tcp.peers: %q is not a node id", k)
		}
		if addr == "" {
			return nil, fmt.Errorf("transport.tcp.peers: member %d has no address", id)
		}
		out[domain.NodeID(id)] = addr
	}
	return out, nil
}

func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
