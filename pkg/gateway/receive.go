package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/serialport"
)

// receiveLoop 串口唯一的读取方
//
// 按首字节区分: 0xFE 为二进制MT消息, 只记录; '\n' 为协调器启动时的空行;
// 其它字节与其后直到换行的内容组成一条文本上报.
func (b *Bridge) receiveLoop(ctx context.Context) {
	defer b.wg.Done()

	for ctx.Err() == nil {
		first, err := b.transport.ReadByte()
		if err != nil {
			b.readError(ctx, err)
			continue
		}

		switch first {
		case constants.AppFrameSOF:
			b.readMT()
		case constants.AppLineTerminator:
			logger.Info("收到首个ready消息")
		default:
			rest, err := b.transport.ReadLine()
			if err != nil {
				b.readError(ctx, err)
				continue
			}
			b.handleLine(append([]byte{first}, rest...))
		}
	}
}

func (b *Bridge) readError(ctx context.Context, err error) {
	if ctx.Err() != nil || stderrors.Is(err, serialport.ErrReadTimeout) {
		return
	}
	if !b.sup.Recover(err) {
		logger.WithField("error", err.Error()).Warn("串口读取失败")
	}
}

// readMT 读取长度字节及其后 len+3 字节
func (b *Bridge) readMT() {
	n, err := b.transport.ReadByte()
	if err != nil {
		logger.WithField("error", err.Error()).Warn("MT消息读取失败")
		b.sup.Recover(err)
		return
	}
	rest, err := b.transport.ReadFull(int(n) + 3)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("MT消息读取失败")
		b.sup.Recover(err)
		return
	}

	msg := append([]byte{constants.AppFrameSOF, n}, rest...)
	parts := make([]string, len(msg))
	for i, c := range msg {
		parts[i] = fmt.Sprintf("0x%02x", c)
	}
	logger.WithField("message", strings.Join(parts, " ")).Debug("收到MT消息")
}

// handleLine 处理期间点亮串口指示灯
func (b *Bridge) handleLine(line []byte) {
	b.lines.Add(1)
	b.panel.Set(hardware.LEDActivity, hardware.ModeOn)
	defer b.panel.Set(hardware.LEDActivity, hardware.ModeOff)
	b.router.HandleLine(line)
}
