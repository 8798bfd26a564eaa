package nacos

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type Config struct {
	Addr      string `yaml:"addr" env:"NACOS_ADDR"` // host:port
	Namespace string `yaml:"namespace" env:"NACOS_NAMESPACE"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"dataId" env:"NACOS_DATA_ID"`
	Username  string `yaml:"username" env:"NACOS_USERNAME"`
	Password  string `yaml:"password" env:"NACOS_PASSWORD"`
	TimeoutMs uint64 `yaml:"timeoutMs"`
	CacheDir  string `yaml:"cacheDir"`
	LogDir    string `yaml:"logDir"`
	// Register 把 serve 实例注册到 naming 服务
	Register    bool   `yaml:"register"`
	ServiceName string `yaml:"serviceName"`
}

func DefaultConfig() Config {
	return Config{
		Group:       "DEFAULT_GROUP",
		DataID:      "pprelay.yaml",
		TimeoutMs:   5000,
		CacheDir:    "nacos/cache",
		LogDir:      "nacos/log",
		ServiceName: "pprelay",
	}
}

func (c Config) Enabled() bool { return c.Addr != "" }

func (c Config) serverConfigs() ([]constant.ServerConfig, error) {
	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return nil, fmt.Errorf("nacos addr %q: %w", c.Addr, err)
	}
	p, err := strconv.ParseUint(port, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("nacos port %q: %w", port, err)
	}
	return []constant.ServerConfig{*constant.NewServerConfig(host, p)}, nil
}

func (c Config) clientConfig() *constant.ClientConfig {
	timeout := c.TimeoutMs
	if timeout == 0 {
		timeout = 5000
	}
	return constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(timeout),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
}

func (c Config) params() (vo.NacosClientParam, error) {
	sc, err := c.serverConfigs()
	if err != nil {
		return vo.NacosClientParam{}, err
	}
	return vo.NacosClientParam{ClientConfig: c.clientConfig(), ServerConfigs: sc}, nil
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	p, err := c.params()
	if err != nil {
		return nil, err
	}
	return clients.NewConfigClient(p)
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	p, err := c.params()
	if err != nil {
		return nil, err
	}
	return clients.NewNamingClient(p)
}
