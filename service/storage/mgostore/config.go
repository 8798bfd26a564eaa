package mgostore

import (
	"context"
	"time"

	"PPRelay/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
	defaultCollection  = "messages"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri         string   `yaml:"uri" env:"MONGO_URI"`
	Address     []string `yaml:"address"`
	Database    string   `yaml:"database" env:"MONGO_DATABASE"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	AuthSource  string   `yaml:"authSource"`
	MaxPoolSize int      `yaml:"maxPoolSize"`
	MaxRetry    int      `yaml:"maxRetry"`
	Collection  string   `yaml:"collection"`
	// UsersCollection supplies usernames for summaries; empty skips the lookup.
	UsersCollection string `yaml:"usersCollection"`
	UserIDField     string `yaml:"userIdField"`
	NodeID          int64  `yaml:"nodeId"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.ErrValidation.WrapMsg("mongo uri or address is required")
	}
	if c.Database == "" {
		return errs.ErrValidation.WrapMsg("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.AuthSource == "" {
		c.AuthSource = "admin"
	}
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.UserIDField == "" {
		c.UserIDField = "user_id"
	}
	return nil
}

// 将 Config 应用到 ClientOptions
func applyConfigToOptions(cfg *Config) *options.ClientOptions {
	var opts *options.ClientOptions
	if cfg.Uri != "" {
		// 优先使用完整 URI（可含参数 ?authSource=admin 等）
		opts = options.Client().ApplyURI(cfg.Uri)
	} else {
		opts = options.Client().SetHosts(cfg.Address)
	}

	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	opts.SetServerSelectionTimeout(5 * time.Second)
	opts.SetAppName("pprelay")
	return opts
}

// shouldRetry determines whether an error should trigger a retry.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		if cmdErr, ok := err.(mongo.CommandError); ok {
			// 13 Unauthorized, 18 AuthenticationFailed
			return cmdErr.Code != 13 && cmdErr.Code != 18
		}
		return true
	}
}

func connect(ctx context.Context, cfg *Config) (*mongo.Client, error) {
	opts := applyConfigToOptions(cfg)
	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = mongo.Connect(ctx, opts)
		if err == nil {
			err = cli.Ping(ctx, nil)
			if err == nil {
				return cli, nil
			}
			_ = cli.Disconnect(context.Background())
		}
		if !shouldRetry(ctx, err) {
			break
		}
		time.Sleep(time.Second / 2)
	}
	return nil, errs.ErrStorage.WrapMsg("failed to connect to MongoDB", "database", cfg.Database, "err", err.Error())
}
