package nacos

import (
	"sync"

	"PPRelay/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource 读取并监听一份远程 YAML
type ConfigSource struct {
	cli    config_client.IConfigClient
	dataID string
	group  string

	mu      sync.RWMutex
	current string
}

func NewConfigSource(cli config_client.IConfigClient, c Config) *ConfigSource {
	return &ConfigSource{cli: cli, dataID: c.DataID, group: c.Group}
}

// Fetch 拉取当前内容
func (s *ConfigSource) Fetch() (string, error) {
	content, err := s.cli.GetConfig(vo.ConfigParam{DataId: s.dataID, Group: s.group})
	if err != nil {
		return "", err
	}
	s.update(content)
	return content, nil
}

// Watch 开始监听，内容变化时回调 onChange
func (s *ConfigSource) Watch(onChange func(data string)) error {
	return s.cli.ListenConfig(vo.ConfigParam{
		DataId: s.dataID,
		Group:  s.group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Info("nacos config changed", zap.String("dataId", dataId), zap.String("group", group))
			s.update(data)
			if onChange != nil {
				onChange(data)
			}
		},
	})
}

func (s *ConfigSource) Stop() error {
	return s.cli.CancelListenConfig(vo.ConfigParam{DataId: s.dataID, Group: s.group})
}

func (s *ConfigSource) update(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = data
}

func (s *ConfigSource) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
