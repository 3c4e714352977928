package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/config"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 全局日志实例
var log = logrus.New()

// 当前打开的文件输出, 重新初始化或关闭时释放
var closers []io.Closer

// 是否输出帧的十六进制内容
var logHexDump bool

// Init 初始化日志系统，尊重配置文件设置
func Init(cfg *config.LoggerConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s, %w", cfg.Level, err)
	}
	log.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: constants.TimeFormatDefault,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: constants.TimeFormatDefault,
			FullTimestamp:   true,
		})
	}

	// debug级别时输出调用位置
	log.SetReportCaller(level >= logrus.DebugLevel)

	Close()

	var writers []io.Writer
	if cfg.EnableConsole {
		writers = append(writers, os.Stdout)
	}

	if cfg.EnableFile {
		w, err := newFileWriter(cfg)
		if err != nil {
			return err
		}
		writers = append(writers, w)
		closers = append(closers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	log.SetOutput(io.MultiWriter(writers...))
	logHexDump = cfg.LogHexDump

	log.WithFields(logrus.Fields{
		"level":         cfg.Level,
		"format":        cfg.Format,
		"enableConsole": cfg.EnableConsole,
		"enableFile":    cfg.EnableFile,
		"rotationType":  cfg.RotationType,
		"hexDump":       cfg.LogHexDump,
	}).Info("日志系统初始化完成")

	return nil
}

// newFileWriter 根据轮转类型创建文件输出
func newFileWriter(cfg *config.LoggerConfig) (io.WriteCloser, error) {
	dir := cfg.FileDir
	if dir == "" {
		dir = "./logs"
	}
	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "zmqtt"
	}

	switch cfg.RotationType {
	case "", "size":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   filepath.Join(dir, prefix+".log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}, nil
	case "daily":
		rotator := NewDailyRotator(dir, prefix, cfg.MaxAgeDays)
		rotator.Compress = cfg.Compress
		return rotator, nil
	default:
		return nil, fmt.Errorf("不支持的轮转类型: %s (支持: daily, size)", cfg.RotationType)
	}
}

// Close 关闭文件输出
func Close() {
	for _, c := range closers {
		_ = c.Close()
	}
	closers = nil
}

// GetLogger 获取全局日志实例
func GetLogger() *logrus.Logger {
	return log
}

// SetLevel 运行时调整日志级别
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
	log.SetReportCaller(level >= logrus.DebugLevel)
}

// GetLevel 当前日志级别
func GetLevel() logrus.Level {
	return log.GetLevel()
}

// SeverityLevel 将协调器诊断主题使用的数字级别转换为logrus级别
// 0=debug 1=info 2=warn 3=error
func SeverityLevel(severity int) (logrus.Level, bool) {
	switch severity {
	case 0:
		return logrus.DebugLevel, true
	case 1:
		return logrus.InfoLevel, true
	case 2:
		return logrus.WarnLevel, true
	case 3:
		return logrus.ErrorLevel, true
	default:
		return logrus.InfoLevel, false
	}
}

// Debug 输出Debug级别日志
func Debug(args ...interface{}) {
	log.Debug(args...)
}

// Debugf 格式化输出Debug级别日志
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info 输出Info级别日志
func Info(args ...interface{}) {
	log.Info(args...)
}

// Infof 格式化输出Info级别日志
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn 输出Warn级别日志
func Warn(args ...interface{}) {
	log.Warn(args...)
}

// Warnf 格式化输出Warn级别日志
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error 输出Error级别日志
func Error(args ...interface{}) {
	log.Error(args...)
}

// Errorf 格式化输出Error级别日志
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Fatal 输出Fatal级别日志
func Fatal(args ...interface{}) {
	log.Fatal(args...)
}

// WithField 添加字段到日志
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

// WithFields 添加多个字段到日志
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

// HexDump 记录二进制数据的十六进制表示（仅当开启logHexDump且日志级别为Debug时）
func HexDump(message string, data []byte) {
	if logHexDump && log.IsLevelEnabled(logrus.DebugLevel) {
		log.WithField("hex_data", fmt.Sprintf("% X", data)).Debug(message)
	}
}

// SetHexDump 开关十六进制输出
func SetHexDump(enabled bool) {
	logHexDump = enabled
}
