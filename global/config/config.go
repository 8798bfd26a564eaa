package config

import (
	"time"

	"PPRelay/service/kafka"
	"PPRelay/service/nacos"
	"PPRelay/service/natsx"
	"PPRelay/service/storage/mgostore"
	"PPRelay/service/storage/pgstore"
	"PPRelay/service/storage/redis"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// AppConfig 整个进程的配置树
type AppConfig struct {
	Server  ServerConfig    `yaml:"server"`
	Auth    AuthConfig      `yaml:"auth"`
	Relay   RelayConfig     `yaml:"relay"`
	Storage StorageConfig   `yaml:"storage"`
	Redis   redis.Config    `yaml:"redis"`
	Mongo   mgostore.Config `yaml:"mongo"`
	Nats    natsx.Config    `yaml:"nats"`
	Kafka   kafka.Config    `yaml:"kafka"`
	Nacos   nacos.Config    `yaml:"nacos"`
	Client  ClientConfig    `yaml:"client"`
	Log     LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host        string `yaml:"host" env:"CHAT_HOST"`
	Port        int    `yaml:"port" env:"CHAT_PORT"`
	GrpcPort    int    `yaml:"grpcPort" env:"GRPC_PORT"` // 0 关闭 grpc health
	Environment string `yaml:"environment" env:"NODE_ENV"`
	NodeID      int64  `yaml:"nodeId" env:"NODE_ID"`

	// 优雅退出的最长等待
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret" env:"JWT_SECRET"`
	Alg       string        `yaml:"alg" env:"JWT_ALG"`
	Issuer    string        `yaml:"issuer" env:"JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

type RelayConfig struct {
	DurabilityMode    string        `yaml:"durabilityMode" env:"DURABILITY_MODE"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	AuthTimeout       time.Duration `yaml:"authTimeout"`
	WriteWait         time.Duration `yaml:"writeWait"`
	StoreTimeout      time.Duration `yaml:"storeTimeout"`
	SendQueueSize     int           `yaml:"sendQueueSize"`
	MaxMessageBytes   int64         `yaml:"maxMessageBytes"`
	EventsPerSecond   float64       `yaml:"eventsPerSecond"`
	EventBurst        int           `yaml:"eventBurst"`
	MaxConnections    int           `yaml:"maxConnections" env:"MAX_CONNECTIONS"`
	AllowedOrigins    []string      `yaml:"allowedOrigins" env:"CORS_ORIGINS" envSeparator:","`
	RequireAuth       bool          `yaml:"requireAuth" env:"REQUIRE_AUTH"`
	UploadDir         string        `yaml:"uploadDir" env:"UPLOAD_DIR"`
	MaxUploadBytes    int64         `yaml:"maxUploadBytes"`
	PresenceTTL       time.Duration `yaml:"presenceTTL"`
	RetryInterval     time.Duration `yaml:"retryInterval"`
	PublishRetries    uint64        `yaml:"publishRetries"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver" env:"STORAGE_DRIVER"` // postgres|mongo|memory
	Postgres pgstore.Config `yaml:"postgres"`
}

type ClientConfig struct {
	URL            string        `yaml:"url" env:"CHAT_URL"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	MaxAttempts    int           `yaml:"maxAttempts"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"LOG_JSON"`
}

// Default 内置默认值，Load 的第一层
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Port:            3001,
			GrpcPort:        50051,
			Environment:     "development",
			NodeID:          1,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{Alg: "HS256", TokenTTL: 24 * time.Hour},
		Relay: RelayConfig{
			DurabilityMode:    "best-effort",
			HeartbeatInterval: 25 * time.Second,
			AuthTimeout:       10 * time.Second,
			WriteWait:         10 * time.Second,
			StoreTimeout:      5 * time.Second,
			SendQueueSize:     256,
			MaxMessageBytes:   64 << 10,
			EventsPerSecond:   20,
			EventBurst:        40,
			MaxConnections:    10000,
			UploadDir:         "uploads",
			MaxUploadBytes:    10 << 20,
			PresenceTTL:       75 * time.Second,
			RetryInterval:     5 * time.Second,
			PublishRetries:    3,
		},
		Storage: StorageConfig{Driver: DriverPostgres, Postgres: pgstore.DefaultConfig()},
		Redis:   redis.Config{PoolSize: 20},
		Mongo:   mgostore.Config{Database: "pprelay", MaxPoolSize: 20, MaxRetry: 3},
		Nats:    natsx.Config{Name: "pprelay", ReconnectWait: 2 * time.Second, Timeout: 5 * time.Second},
		Kafka:   kafka.DefaultConfig(),
		Nacos:   nacos.DefaultConfig(),
		Client: ClientConfig{
			URL:            "ws://localhost:3001/ws",
			DialTimeout:    10 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			MaxAttempts:    10,
		},
		Log: LogConfig{Level: "info"},
	}
}
