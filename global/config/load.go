package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"PPRelay/logger"
	"PPRelay/module/message"
	"PPRelay/service/nacos"
	"PPRelay/tools/errs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RemoteFetcher 返回远程配置中心里的 YAML
type RemoteFetcher func(c nacos.Config) (string, error)

type LoadOptions struct {
	// Path 为空则跳过 YAML 文件
	Path string
	// EnvFiles 默认 .env；不存在时忽略
	EnvFiles []string
	Remote   RemoteFetcher
	// SkipValidate 给只读取部分配置的子命令用
	SkipValidate bool
}

// Load 默认值 -> YAML 文件 -> nacos -> .env -> 环境变量
func Load(o LoadOptions) (*AppConfig, error) {
	cfg := Default()

	if o.Path != "" {
		raw, err := os.ReadFile(o.Path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config file", "path", o.Path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config file", "path", o.Path)
		}
	}

	// nacos 地址本身可能来自环境变量，先单独取一次
	nc := cfg.Nacos
	if err := env.Parse(&nc); err != nil {
		return nil, errs.WrapMsg(err, "parse nacos env")
	}
	if nc.Enabled() {
		fetch := o.Remote
		if fetch == nil {
			fetch = FetchNacos
		}
		content, err := fetch(nc)
		if err != nil {
			return nil, errs.WrapMsg(err, "fetch nacos config", "dataId", nc.DataID)
		}
		if err := Merge(&cfg, content); err != nil {
			return nil, errs.WrapMsg(err, "parse nacos config", "dataId", nc.DataID)
		}
	}

	files := o.EnvFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.WrapMsg(err, "load env file", "file", f)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, errs.WrapMsg(err, "parse env")
	}

	if o.SkipValidate {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Merge 把一段 YAML 叠加到已有配置上，未出现的字段保持不变
func Merge(cfg *AppConfig, content string) error {
	if content == "" {
		return nil
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

func FetchNacos(c nacos.Config) (string, error) {
	cli, err := nacos.NewConfigClient(c)
	if err != nil {
		return "", err
	}
	defer cli.CloseClient()
	return nacos.NewConfigSource(cli, c).Fetch()
}

// Watch 监听 nacos 上的配置；变化时在 base 的副本上叠加并回调
func Watch(base AppConfig, onChange func(*AppConfig)) (*nacos.ConfigSource, error) {
	cli, err := nacos.NewConfigClient(base.Nacos)
	if err != nil {
		return nil, err
	}
	src := nacos.NewConfigSource(cli, base.Nacos)
	err = src.Watch(func(data string) {
		next := base
		if err := Merge(&next, data); err != nil {
			logger.Warn("ignore bad nacos config", zap.Error(err))
			return
		}
		if err := next.Validate(); err != nil {
			logger.Warn("ignore invalid nacos config", zap.Error(err))
			return
		}
		onChange(&next)
	})
	if err != nil {
		cli.CloseClient()
		return nil, err
	}
	return src, nil
}

func (c *AppConfig) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errs.ErrValidation.WithDetail("auth.jwtSecret (JWT_SECRET) is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.ErrValidation.WithDetail(fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := message.ParseDurabilityMode(c.Relay.DurabilityMode); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		return errs.ErrValidation.WithDetail("unknown storage.driver: " + c.Storage.Driver)
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return errs.ErrValidation.WithDetail("relay.heartbeatInterval must be positive")
	}
	return nil
}

// Addr http 监听地址
func (c *AppConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port) }
