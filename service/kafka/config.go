package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

const DefaultTopic = "chat-events"

type Config struct {
	Brokers             []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic               string   `yaml:"topic" env:"KAFKA_TOPIC"`
	GroupID             string   `yaml:"groupId"`
	Version             string   `yaml:"version"`
	PartitionsPerTopic  int32    `yaml:"partitions"`
	ReplicationFactor   int16    `yaml:"replicationFactor"` // 单机=1；生产=3
	ProducerRetries     int      `yaml:"producerRetries"`
	ProducerCompression string   `yaml:"compression"`   // none/snappy/lz4/zstd
	InitialOffset       string   `yaml:"initialOffset"` // newest/oldest
	EnsureTopic         bool     `yaml:"ensureTopic"`
}

// DefaultConfig 单机默认值
func DefaultConfig() Config {
	return Config{
		Topic:               DefaultTopic,
		GroupID:             "pprelay-events",
		Version:             "2.1.0",
		PartitionsPerTopic:  8,
		ReplicationFactor:   1,
		ProducerRetries:     5,
		ProducerCompression: "snappy",
		InitialOffset:       "newest",
		EnsureTopic:         true,
	}
}

func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// BuildSaramaConfig 生产与消费共用的 sarama 配置
func BuildSaramaConfig(c Config) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "pprelay"
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version %q: %w", c.Version, err)
		}
		cfg.Version = v
	}

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	retries := c.ProducerRetries
	if retries <= 0 {
		retries = 1
	}
	cfg.Producer.Retry.Max = retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(c.InitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, cfg.Validate()
}
