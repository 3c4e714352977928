package bootloader

import (
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/sirupsen/logrus"
)

// Phase 编程阶段
type Phase string

const (
	PhaseHandshake Phase = "handshake"
	PhaseWriting   Phase = "writing"
	PhaseVerifying Phase = "verifying"
	PhaseEnabling  Phase = "enabling"
	PhaseReading   Phase = "reading"
	PhaseComplete  Phase = "complete"
)

// Progress 进度信息
type Progress struct {
	Phase       Phase
	Done        int // 已处理字节数
	Total       int
	Percentage  float64
	ElapsedTime time.Duration
}

// ProgressCallback 进度回调, 需要快速返回
type ProgressCallback func(Progress)

// Config 会话配置
type Config struct {
	Logger           logrus.FieldLogger
	Force            bool
	HandshakeRetries int
	RetryDelay       time.Duration
	ProgressCallback ProgressCallback
	DumpPath         string
	Resetter         hardware.Resetter
}

func defaultConfig() Config {
	return Config{
		Logger:           logger.GetLogger(),
		HandshakeRetries: constants.SBLHandshakeRetries,
		RetryDelay:       constants.SBLHandshakeInterval,
	}
}

// Option 会话选项
type Option func(*Config)

// WithLogger 指定日志记录器
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithForce 写入后跳过回读校验, 直接使能
func WithForce(force bool) Option {
	return func(c *Config) {
		c.Force = force
	}
}

// WithHandshakeRetries 握手最大尝试次数
func WithHandshakeRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.HandshakeRetries = n
		}
	}
}

// WithRetryDelay 两次握手尝试之间的等待
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.RetryDelay = d
		}
	}
}

// WithProgressCallback 进度回调
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = cb
	}
}

// WithDumpPath 校验前把回读内容写入该文件, 为空则不写
func WithDumpPath(path string) Option {
	return func(c *Config) {
		c.DumpPath = path
	}
}

// WithResetter 握手前先复位设备
func WithResetter(r hardware.Resetter) Option {
	return func(c *Config) {
		c.Resetter = r
	}
}
