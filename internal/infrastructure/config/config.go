package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用程序配置的结构体
type Config struct {
	Serial        SerialConfig        `mapstructure:"serial"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Firmware      FirmwareConfig      `mapstructure:"firmware"`
	Watchdog      WatchdogConfig      `mapstructure:"watchdog"`
	Hardware      HardwareConfig      `mapstructure:"hardware"`
	HTTPAPIServer HTTPAPIServerConfig `mapstructure:"httpApiServer"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Port               string `mapstructure:"port"`
	BaudRate           int    `mapstructure:"baudRate"`
	ReadTimeoutSeconds int    `mapstructure:"readTimeoutSeconds"` // 应用运行时读取超时
	SettleDelayMs      int    `mapstructure:"settleDelayMs"`      // 每帧发送后的等待时间
	ReopenDelayMs      int    `mapstructure:"reopenDelayMs"`      // 重新打开串口前的等待时间
}

// MQTTConfig MQTT消息总线配置
type MQTTConfig struct {
	Broker              string `mapstructure:"broker"`
	ClientID            string `mapstructure:"clientId"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	KeepAliveSeconds    int    `mapstructure:"keepAliveSeconds"`
	ConnectTimeoutSecs  int    `mapstructure:"connectTimeoutSeconds"`
	DefaultQoS          byte   `mapstructure:"defaultQos"`
	DefaultRetain       bool   `mapstructure:"defaultRetain"`
	DisconnectQuiesceMs uint   `mapstructure:"disconnectQuiesceMs"`
}

// GatewayConfig 网关身份配置
type GatewayConfig struct {
	NetInterface    string `mapstructure:"netInterface"` // 用于生成网关ID的网卡
	ID              string `mapstructure:"id"`           // 非空时跳过网卡MAC读取
	Revision        string `mapstructure:"revision"`     // 硬件版本, 仅写入启动日志
	SoftwareVersion string `mapstructure:"swVersion"`    // 为空时使用内置版本号
	ZmqttVersion    string `mapstructure:"zmqttVersion"`
}

// FirmwareConfig 协调器固件升级配置
type FirmwareConfig struct {
	ImageDir     string `mapstructure:"imageDir"`
	ImageFile    string `mapstructure:"imageFile"`
	VersionFile  string `mapstructure:"versionFile"`
	DumpReadback bool   `mapstructure:"dumpReadback"` // 校验时写出 <image>.dbg
}

// WatchdogConfig 看门狗配置
type WatchdogConfig struct {
	PingIntervalSeconds     int `mapstructure:"pingIntervalSeconds"`
	PongTimeoutSeconds      int `mapstructure:"pongTimeoutSeconds"`
	CoordinatorCheckSeconds int `mapstructure:"coordinatorCheckSeconds"`
}

// HardwareConfig GPIO配置 (BCM编号)
type HardwareConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	ResetPin  int            `mapstructure:"resetPin"`
	LEDPins   map[string]int `mapstructure:"ledPins"`
	ActiveLow bool           `mapstructure:"activeLow"`
}

// HTTPAPIServerConfig HTTP API服务器配置
type HTTPAPIServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"poolSize"`
	MinIdleConns int    `mapstructure:"minIdleConns"`
	DialTimeout  int    `mapstructure:"dialTimeout"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	KeyPrefix    string `mapstructure:"keyPrefix"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	EnableConsole bool   `mapstructure:"enableConsole"`
	EnableFile    bool   `mapstructure:"enableFile"`
	FileDir       string `mapstructure:"fileDir"`
	FilePrefix    string `mapstructure:"filePrefix"`
	RotationType  string `mapstructure:"rotationType"` // daily 或 size
	MaxSizeMB     int    `mapstructure:"maxSizeMB"`
	MaxBackups    int    `mapstructure:"maxBackups"`
	MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	Compress      bool   `mapstructure:"compress"`
	LogHexDump    bool   `mapstructure:"logHexDump"`
}

// 全局配置实例
var GlobalConfig Config

// Load 加载配置文件
func Load(configPath string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Default 返回仅包含默认值的配置, 用于测试和无配置文件的场景
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyAMA0")
	v.SetDefault("serial.baudRate", 115200)
	v.SetDefault("serial.readTimeoutSeconds", 15)
	v.SetDefault("serial.settleDelayMs", 500)
	v.SetDefault("serial.reopenDelayMs", 1000)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientId", "zmqtt")
	v.SetDefault("mqtt.keepAliveSeconds", 60)
	v.SetDefault("mqtt.connectTimeoutSeconds", 10)
	v.SetDefault("mqtt.defaultQos", 1)
	v.SetDefault("mqtt.defaultRetain", true)
	v.SetDefault("mqtt.disconnectQuiesceMs", 250)

	v.SetDefault("gateway.netInterface", "eth0")
	v.SetDefault("gateway.revision", "GWMC")

	v.SetDefault("firmware.imageDir", "./ota_images")
	v.SetDefault("firmware.imageFile", "GWMC.bin")
	v.SetDefault("firmware.versionFile", "gw_version.txt")
	v.SetDefault("firmware.dumpReadback", true)

	v.SetDefault("watchdog.pingIntervalSeconds", 300)
	v.SetDefault("watchdog.pongTimeoutSeconds", 1)
	v.SetDefault("watchdog.coordinatorCheckSeconds", 10)

	v.SetDefault("hardware.enabled", false)
	v.SetDefault("hardware.resetPin", 27)
	v.SetDefault("hardware.activeLow", true)
	v.SetDefault("hardware.ledPins", map[string]int{"1": 12, "2": 13, "3": 19, "4": 2, "5": 4})

	v.SetDefault("httpApiServer.enabled", true)
	v.SetDefault("httpApiServer.host", "0.0.0.0")
	v.SetDefault("httpApiServer.port", 8080)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.poolSize", 4)
	v.SetDefault("redis.dialTimeout", 5)
	v.SetDefault("redis.readTimeout", 3)
	v.SetDefault("redis.writeTimeout", 3)
	v.SetDefault("redis.keyPrefix", "zmqtt:")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.enableConsole", true)
	v.SetDefault("logger.fileDir", "./logs")
	v.SetDefault("logger.filePrefix", "zmqtt")
	v.SetDefault("logger.rotationType", "size")
	v.SetDefault("logger.maxSizeMB", 10)
	v.SetDefault("logger.maxBackups", 5)
	v.SetDefault("logger.maxAgeDays", 7)
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port must not be empty")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baudRate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must not be empty")
	}
	if c.MQTT.DefaultQoS > 2 {
		return fmt.Errorf("mqtt.defaultQos must be 0..2, got %d", c.MQTT.DefaultQoS)
	}
	if c.Watchdog.PingIntervalSeconds <= 0 || c.Watchdog.PongTimeoutSeconds <= 0 {
		return fmt.Errorf("watchdog intervals must be positive")
	}
	return nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return &GlobalConfig
}

// FormatHTTPAddress 格式化HTTP服务器地址为host:port格式
func FormatHTTPAddress() string {
	cfg := GetConfig().HTTPAPIServer
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// ReadTimeout 串口读取超时
func (s SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// SettleDelay 每帧发送后的等待时间
func (s SerialConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

// ReopenDelay 重新打开串口前的等待时间
func (s SerialConfig) ReopenDelay() time.Duration {
	return time.Duration(s.ReopenDelayMs) * time.Millisecond
}

// PingInterval ping周期
func (w WatchdogConfig) PingInterval() time.Duration {
	return time.Duration(w.PingIntervalSeconds) * time.Second
}

// PongTimeout 等待pong的时长
func (w WatchdogConfig) PongTimeout() time.Duration {
	return time.Duration(w.PongTimeoutSeconds) * time.Second
}

// CoordinatorCheck 启动后检查协调器身份的延迟
func (w WatchdogConfig) CoordinatorCheck() time.Duration {
	return time.Duration(w.CoordinatorCheckSeconds) * time.Second
}
