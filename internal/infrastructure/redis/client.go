// Package redis 设备注册表的 Redis 镜像
package redis

import (
	"context"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/config"
	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Options 由配置生成连接参数
func Options(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  seconds(cfg.DialTimeout),
		ReadTimeout:  seconds(cfg.ReadTimeout),
		WriteTimeout: seconds(cfg.WriteTimeout),
	}
}

// Open 连接 Redis 并返回设备记录存储, 连接测试失败时返回错误且不保留连接
func Open(cfg config.RedisConfig) (*DeviceStore, error) {
	rdb := redis.NewClient(Options(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(errors.ErrRedisConnectionFailed, "Redis连接测试失败 "+cfg.Address, err)
	}

	logger.WithField("address", cfg.Address).Info("Redis连接初始化成功")
	store := NewDeviceStore(rdb, cfg.KeyPrefix)
	store.closer = rdb
	return store, nil
}
