// Copyright 2025 James Ross
package redisclient

import (
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the shared Redis connection. There is no file/env
// loader here — config loading is an external collaborator (spec.md §1);
// callers construct Options directly or decode into it themselves.
type Options struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`

	// ClusterAddrs, when non-empty, requests a redis.ClusterClient instead
	// of a single-node client (spec.md §6 cluster mode).
	ClusterAddrs []string `mapstructure:"cluster_addrs"`
}

// Cmdable is the subset of the go-redis client every script invoker needs.
// Both *redis.Client and *redis.ClusterClient satisfy it.
type Cmdable = redis.Cmdable

// New returns a configured go-redis v9 client with pooling and retries,
// choosing between a single-node and cluster client based on Options.
func New(opts Options) Cmdable {
	poolSize := opts.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}

	if len(opts.ClusterAddrs) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        opts.ClusterAddrs,
			Username:     opts.Username,
			Password:     opts.Password,
			PoolSize:     poolSize,
			MinIdleConns: opts.MinIdleConns,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			MaxRetries:   opts.MaxRetries,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     poolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   opts.MaxRetries,
	})
}
