package redis

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/config"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHash struct {
	key    string
	values []interface{}
	err    error
}

func (f *fakeHash) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key = key
	f.values = values
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(int64(len(values) / 2))
	}
	return cmd
}

func TestSaveDevice(t *testing.T) {
	fh := &fakeHash{}
	store := NewDeviceStore(fh, "zmqtt:")

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	err := store.SaveDevice(context.Background(), registry.DeviceRecord{
		NodeID:         "0001",
		MacAddress:     "00124b0001020304",
		NetworkAddress: "0000",
		IsCoordinator:  true,
		UpdatedAt:      at,
	})
	require.NoError(t, err)

	assert.Equal(t, "zmqtt:device:0001", fh.key)
	fields := map[string]interface{}{}
	for i := 0; i+1 < len(fh.values); i += 2 {
		fields[fh.values[i].(string)] = fh.values[i+1]
	}
	assert.Equal(t, "00124b0001020304", fields["mac"])
	assert.Equal(t, "0000", fields["nwk"])
	assert.Equal(t, "1", fields["coordinator"])
	assert.Equal(t, "2024-05-01T08:00:00Z", fields["updatedAt"])
}

func TestSaveDeviceError(t *testing.T) {
	fh := &fakeHash{err: stderrors.New("connection refused")}
	store := NewDeviceStore(fh, "")

	err := store.SaveDevice(context.Background(), registry.DeviceRecord{NodeID: "0002"})
	require.Error(t, err)
	assert.True(t, errors.IsErrCode(err, errors.ErrRedisOperationFailed))
	assert.Equal(t, "device:0002", fh.key)
}

func TestStoreSatisfiesRegistry(t *testing.T) {
	var _ registry.Store = NewDeviceStore(&fakeHash{}, "")
}

func TestOptions(t *testing.T) {
	o := Options(config.RedisConfig{
		Address:     "10.0.0.3:6379",
		DB:          2,
		PoolSize:    4,
		DialTimeout: 5,
		ReadTimeout: 3,
	})
	assert.Equal(t, "10.0.0.3:6379", o.Addr)
	assert.Equal(t, 2, o.DB)
	assert.Equal(t, 5*time.Second, o.DialTimeout)
	assert.Equal(t, 3*time.Second, o.ReadTimeout)
}

func TestCloseWithoutConnection(t *testing.T) {
	assert.NoError(t, NewDeviceStore(&fakeHash{}, "").Close())
}
