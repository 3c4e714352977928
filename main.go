// Package main Zigbee串口与MQTT之间的网关
//
// 协调器通过串口接入, 上行消息翻译成 smarthome/... 主题发布, 订阅的命令主题翻译成下行帧.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/config"
	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/redis"
	"github.com/bujia-iot/iot-zmqtt/internal/ports"
	"github.com/bujia-iot/iot-zmqtt/pkg/bus"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/gateway"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/bujia-iot/iot-zmqtt/pkg/serialport"
	"github.com/bujia-iot/iot-zmqtt/pkg/supervisor"
	"github.com/sirupsen/logrus"
)

var (
	configFile = flag.String("config", "configs/gateway.yaml", "配置文件路径")
	ttyFlag    = flag.String("t", "", "串口设备名, 如 ttyAMA0 (覆盖配置)")
	baudFlag   = flag.Int("b", 0, "串口波特率 (覆盖配置)")
	brokerFlag = flag.String("r", "", "MQTT代理地址 (覆盖配置)")
	portFlag   = flag.Int("p", 0, "MQTT代理端口 (覆盖配置)")
)

func loadConfigOrExit() *config.Config {
	if err := config.Load(*configFile); err != nil {
		logger.Error("加载配置文件失败: " + err.Error())
		os.Exit(1)
	}
	cfg := config.GetConfig()
	applyOverrides(cfg, *ttyFlag, *baudFlag, *brokerFlag, *portFlag)
	return cfg
}

// applyOverrides 命令行参数覆盖配置文件
func applyOverrides(cfg *config.Config, tty string, baud int, broker string, port int) {
	if tty != "" {
		if !strings.HasPrefix(tty, "/") {
			tty = "/dev/" + tty
		}
		cfg.Serial.Port = tty
	}
	if baud > 0 {
		cfg.Serial.BaudRate = baud
	}
	if broker == "" && port <= 0 {
		return
	}

	scheme, host, brokerPort := splitBroker(cfg.MQTT.Broker)
	switch {
	case strings.Contains(broker, "://"):
		scheme, host, brokerPort = splitBroker(broker)
	case broker != "":
		host = broker
	}
	if port > 0 {
		brokerPort = strconv.Itoa(port)
	}
	cfg.MQTT.Broker = scheme + "://" + host + ":" + brokerPort
}

// splitBroker 拆分 scheme://host:port, 缺省为 tcp 和 1883
func splitBroker(broker string) (scheme, host, port string) {
	scheme, rest := "tcp", broker
	if i := strings.Index(broker, "://"); i >= 0 {
		scheme, rest = broker[:i], broker[i+3:]
	}
	host, port = rest, "1883"
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		host, port = rest[:i], rest[i+1:]
	}
	return scheme, host, port
}

func secondsOf(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func setupLoggerOrExit(cfg *config.Config) {
	if err := logger.Init(&cfg.Logger); err != nil {
		logger.Error("初始化日志系统失败: " + err.Error())
		os.Exit(1)
	}
}

// setupHardware 打开GPIO, 未启用或失败时返回空实现
func setupHardware(cfg config.HardwareConfig) (hardware.Resetter, *hardware.Panel) {
	if !cfg.Enabled {
		return hardware.NopResetter{}, hardware.NewPanel(nil, cfg.ActiveLow)
	}
	if err := hardware.Open(); err != nil {
		logger.WithField("error", err.Error()).Warn("GPIO初始化失败, 复位与指示灯不可用")
		return hardware.NopResetter{}, hardware.NewPanel(nil, cfg.ActiveLow)
	}
	reset := hardware.NewResetLine(hardware.BCMPin(cfg.ResetPin), constants.SBLResetHold)
	return reset, hardware.NewBCMPanel(cfg.LEDPins, cfg.ActiveLow)
}

// setupStore Redis不可用时不持久化设备记录
func setupStore(cfg config.RedisConfig) *redis.DeviceStore {
	if !cfg.Enabled {
		return nil
	}
	store, err := redis.Open(cfg)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Redis连接失败，但不影响核心功能")
		return nil
	}
	return store
}

func newBusFactory(cfg config.MQTTConfig) gateway.BusFactory {
	return func(handler func(topic string, payload []byte)) gateway.Bus {
		return bus.New(bus.Config{
			Broker:         cfg.Broker,
			ClientID:       cfg.ClientID,
			Username:       cfg.Username,
			Password:       cfg.Password,
			KeepAlive:      secondsOf(cfg.KeepAliveSeconds),
			ConnectTimeout: secondsOf(cfg.ConnectTimeoutSecs),
			QuiesceMs:      cfg.DisconnectQuiesceMs,
			Topics:         constants.CommandSubscriptions,
			SubscribeQoS:   cfg.DefaultQoS,
		}, handler)
	}
}

func main() {
	flag.Parse()

	cfg := loadConfigOrExit()
	setupLoggerOrExit(cfg)
	defer logger.Close()

	gatewayID, err := gateway.ResolveGatewayID(cfg.Gateway.ID, cfg.Gateway.NetInterface, "")
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("无法确定网关ID")
	}
	logger.WithFields(logrus.Fields{
		"gatewayId": gatewayID,
		"revision":  cfg.Gateway.Revision,
		"serial":    cfg.Serial.Port,
		"baudRate":  cfg.Serial.BaudRate,
		"broker":    cfg.MQTT.Broker,
	}).Info("网关启动")

	resetter, panel := setupHardware(cfg.Hardware)
	defer hardware.Close()

	var store registry.Store
	if ds := setupStore(cfg.Redis); ds != nil {
		store = ds
		defer func() {
			if err := ds.Close(); err != nil {
				logger.WithField("error", err.Error()).Error("关闭Redis连接失败")
			}
		}()
	}

	transport := serialport.New(serialport.Config{
		Name:        cfg.Serial.Port,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout(),
	})

	bridge := gateway.New(gateway.Config{
		GatewayID:       gatewayID,
		SettleDelay:     cfg.Serial.SettleDelay(),
		DefaultQoS:      cfg.MQTT.DefaultQoS,
		DefaultRetain:   cfg.MQTT.DefaultRetain,
		SoftwareVersion: cfg.Gateway.SoftwareVersion,
		ZmqttVersion:    cfg.Gateway.ZmqttVersion,
		Supervisor: supervisor.Config{
			PingInterval:     cfg.Watchdog.PingInterval(),
			PongTimeout:      cfg.Watchdog.PongTimeout(),
			CoordinatorCheck: cfg.Watchdog.CoordinatorCheck(),
			ReopenDelay:      cfg.Serial.ReopenDelay(),
			ImageDir:         cfg.Firmware.ImageDir,
			ImageFile:        cfg.Firmware.ImageFile,
			VersionFile:      cfg.Firmware.VersionFile,
			DumpReadback:     cfg.Firmware.DumpReadback,
		},
	}, gateway.Deps{
		Transport: transport,
		Bus:       newBusFactory(cfg.MQTT),
		Store:     store,
		Resetter:  resetter,
		Panel:     panel,
		SupervisorOptions: []supervisor.Option{
			supervisor.WithBootLinkFactory(supervisor.SerialBootLink(serialport.OpenSerial)),
		},
	})

	// 可取消上下文（系统信号）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Start(ctx); err != nil {
		logger.WithField("error", err.Error()).Fatal("网关启动失败")
	}

	if cfg.HTTPAPIServer.Enabled {
		go func() {
			if err := ports.StartHTTPServer(ctx, config.FormatHTTPAddress(), bridge); err != nil {
				logger.WithField("error", err.Error()).Warn("HTTP API服务器启动失败")
			}
		}()
	}

	// 等待中断信号
	<-ctx.Done()
	logger.Info("接收到停止信号，开始关闭...")
	bridge.Stop()
}
