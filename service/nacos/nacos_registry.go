package nacos

import (
	"fmt"

	"PPRelay/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Registry 把一个 relay 实例注册为临时实例
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	client naming_client.INamingClient
}

func NewRegistry(client naming_client.INamingClient, c Config, ip string, port uint64, meta map[string]string) *Registry {
	return &Registry{
		ServiceName: c.ServiceName,
		IP:          ip,
		Port:        port,
		Group:       c.Group,
		Metadata:    meta,
		client:      client,
	}
}

func (r *Registry) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("register failed: returned false")
	}
	logger.Info("nacos instance registered", zap.String("service", r.ServiceName),
		zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registry) Deregister() error {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("nacos instance already gone", zap.String("service", r.ServiceName))
	}
	return nil
}
