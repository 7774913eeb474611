package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eventstream-rpc/client"
	"eventstream-rpc/config"
	"eventstream-rpc/loadbalance"
	"eventstream-rpc/logging"
	"eventstream-rpc/protocol"
	"eventstream-rpc/registry"
)

func load(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// openRegistry returns nil when no registry is configured. The returned close
// func is never nil.
func openRegistry(cfg config.RegistryConfig, log *zap.Logger) (registry.Registry, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Kind {
	case "":
		return nil, nop, nil
	case "memory":
		return registry.NewMemoryRegistry(), nop, nil
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout.Std(),
			registry.WithPrefix(cfg.Prefix), registry.WithLogger(log))
		if err != nil {
			return nil, nop, err
		}
		return reg, reg.Close, nil
	default:
		return nil, nop, fmt.Errorf("unknown registry kind %q", cfg.Kind)
	}
}

func limits(cfg config.ServerConfig) protocol.Limits {
	return protocol.Limits{MaxHeadersLen: cfg.MaxHeadersLen, MaxPayloadLen: cfg.MaxPayloadLen}
}

// dialFromConfig connects to service through the registry when one is
// configured and service is set, and to cfg.Client.Addr otherwise.
func dialFromConfig(ctx context.Context, cfg config.Config, log *zap.Logger, service, addr string) (*client.Client, error) {
	opts := []client.Option{
		client.WithLogger(log),
		client.WithContentType(cfg.Client.ContentType),
	}
	if cfg.Client.Token != "" {
		var h protocol.Headers
		h.Set(cfg.Auth.Header, protocol.String(cfg.Client.Token))
		opts = append(opts, client.WithConnectHeaders(h))
	}
	if cfg.Client.KeepAlive > 0 {
		opts = append(opts, client.WithKeepAlive(cfg.Client.KeepAlive.Std(), cfg.Client.DeadAfter.Std()))
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout(cfg))
	defer cancel()

	if service != "" {
		reg, closeReg, err := openRegistry(cfg.Registry, log)
		if err != nil {
			return nil, err
		}
		defer closeReg()
		if reg == nil {
			return nil, fmt.Errorf("--service needs a registry in the config")
		}
		bal, err := loadbalance.New(cfg.Client.Balancer)
		if err != nil {
			return nil, err
		}
		return client.DialService(ctx, reg, bal, service, opts...)
	}
	if addr == "" {
		addr = cfg.Client.Addr
	}
	return client.Dial(ctx, addr, opts...)
}

func dialTimeout(cfg config.Config) time.Duration {
	if d := cfg.Client.DialTimeout.Std(); d > 0 {
		return d
	}
	return 5 * time.Second
}
