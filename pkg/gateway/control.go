package gateway

import (
	"context"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/router"
	"github.com/sirupsen/logrus"
)

// HandleCommand 总线收到的命令, 翻译后进入命令队列
func (b *Bridge) HandleCommand(topic string, payload []byte) {
	b.router.HandleCommand(topic, payload)
}

// Execute 把命令放入队列, 由命令协程按顺序执行; 队列已满时丢弃
func (b *Bridge) Execute(cmd router.Command) {
	select {
	case b.commands <- cmd:
	default:
		logger.WithFields(logrus.Fields{
			"kind": cmd.Kind.String(),
			"body": cmd.Body,
		}).Warn("命令队列已满, 丢弃命令")
	}
}

// PongReceived 协调器回复了ping
func (b *Bridge) PongReceived() {
	b.sup.PongReceived()
}

// GatewayVersion 协调器上报固件版本后检查升级, 在读取协程中同步执行
func (b *Bridge) GatewayVersion(version string) {
	b.sup.CheckFirmware(context.Background(), version, b)
}

// OTAAllowed 是否允许OTA
func (b *Bridge) OTAAllowed() bool {
	return b.otaAllowed.Load()
}

// commandLoop 串行执行下行命令与定时事件
func (b *Bridge) commandLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.commands:
			b.execute(ctx, cmd)
		case ev := <-b.sup.Events():
			b.sup.HandleEvent(ev, b)
		}
	}
}

func (b *Bridge) execute(ctx context.Context, cmd router.Command) {
	log := logger.WithField("kind", cmd.Kind.String())

	switch cmd.Kind {
	case router.CommandSerial:
		if err := b.Send(cmd.Body); err != nil {
			log.WithField("error", err.Error()).Warn("命令发送失败")
		}

	case router.CommandOTA:
		b.otaAllowed.Store(cmd.OTAAllowed)
		if err := b.Send(cmd.Body); err != nil {
			log.WithField("error", err.Error()).Warn("命令发送失败")
		}

	case router.CommandLED:
		if !b.panel.Set(cmd.LED, cmd.LEDMode) {
			log.WithField("led", cmd.LED).Debug("指示灯未配置")
		}

	case router.CommandLogLevel:
		logger.SetLevel(cmd.Level)
		log.WithField("level", cmd.Level.String()).Info("日志级别已调整")

	case router.CommandResetApp:
		b.sup.ResetApp()

	case router.CommandFlash:
		b.panel.Set(hardware.LEDDownload, hardware.ModeOn)
		err := b.sup.Flash(ctx, cmd.File, b)
		b.panel.Set(hardware.LEDDownload, hardware.ModeOff)
		if err != nil {
			log.WithFields(logrus.Fields{
				"file":  cmd.File,
				"error": err.Error(),
			}).Error("固件刷写失败")
		}

	case router.CommandNone:

	default:
		log.Warn("未知的命令类型")
	}
}
