package redis

import (
	"context"
	"io"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/redis/go-redis/v9"
)

// HashWriter DeviceStore 需要的 Redis 命令子集, *redis.Client 满足该接口
type HashWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// DeviceStore 把设备注册表镜像到 Redis 哈希 <prefix>device:<nid>
type DeviceStore struct {
	rdb    HashWriter
	prefix string
	closer io.Closer
}

// NewDeviceStore 创建设备记录存储
func NewDeviceStore(rdb HashWriter, keyPrefix string) *DeviceStore {
	return &DeviceStore{rdb: rdb, prefix: keyPrefix}
}

// Key 设备记录的键
func (s *DeviceStore) Key(nid string) string {
	return s.prefix + "device:" + nid
}

// SaveDevice 写入一条设备记录
func (s *DeviceStore) SaveDevice(ctx context.Context, rec registry.DeviceRecord) error {
	err := s.rdb.HSet(ctx, s.Key(rec.NodeID),
		"nid", rec.NodeID,
		"mac", rec.MacAddress,
		"nwk", rec.NetworkAddress,
		"role", rec.Role,
		"coordinator", boolString(rec.IsCoordinator),
		"updatedAt", rec.UpdatedAt.UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return errors.Wrap(errors.ErrRedisOperationFailed, "写入设备记录失败 "+rec.NodeID, err)
	}
	return nil
}

// Close 关闭由 Open 创建的连接
func (s *DeviceStore) Close() error {
	if s.closer == nil {
		return nil
	}
	if err := s.closer.Close(); err != nil {
		return errors.Wrap(errors.ErrRedisOperationFailed, "关闭Redis连接失败", err)
	}
	logger.Info("Redis连接已关闭")
	return nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
