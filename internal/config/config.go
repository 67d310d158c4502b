package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	GroupID       string     `koanf:"group_id"`
	Topics        []string   `koanf:"topics"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type IngestConfig struct {
	ChannelBufferSize   int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes     int  `koanf:"max_payload_bytes"`
	StoreRawMessages    bool `koanf:"store_raw_messages"`
	CompressRawMessages bool `koanf:"compress_raw_messages"`
	DebugBGP            bool `koanf:"debug_bgp"`
	// DefaultASNWidth is the AS number width (octets) assumed for a session
	// until its OPEN exchange has been observed.
	DefaultASNWidth int `koanf:"default_asn_width"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_COLLECTOR_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("BGP_COLLECTOR_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_COLLECTOR_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-collector-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "bgp-collector",
			GroupID:       "bgp-collector",
			FetchMaxBytes: 52428800,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Ingest: IngestConfig{
			ChannelBufferSize:   16,
			MaxPayloadBytes:     16777216,
			CompressRawMessages: true,
			DefaultASNWidth:     4,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.Topics) == 1 && strings.Contains(cfg.Kafka.Topics[0], ",") {
		cfg.Kafka.Topics = strings.Split(cfg.Kafka.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("config: kafka.topics is required")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if int32(c.Ingest.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
		return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
			c.Ingest.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
	}
	if w := c.Ingest.DefaultASNWidth; w != 2 && w != 4 {
		return fmt.Errorf("config: ingest.default_asn_width must be 2 or 4 (got %d)", w)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
