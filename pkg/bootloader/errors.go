package bootloader

import (
	"fmt"

	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
)

// HandshakeExhaustedError 握手重试耗尽, 设备始终未进入引导程序
type HandshakeExhaustedError struct {
	Attempts int
}

func (e *HandshakeExhaustedError) Error() string {
	return fmt.Sprintf("bootloader handshake failed after %d attempts", e.Attempts)
}

// VerificationError 回读内容与镜像不一致
type VerificationError struct {
	Offset   int
	Expected byte
	Actual   byte
	Length   int
}

func (e *VerificationError) Error() string {
	if e.Offset >= e.Length {
		return fmt.Sprintf("flash verification failed: readback length %d, image length %d",
			e.Offset, e.Length)
	}
	return fmt.Sprintf("flash verification failed at offset 0x%04X: expected 0x%02X, got 0x%02X",
		e.Offset, e.Expected, e.Actual)
}

// ResponseError 引导程序返回了非OK状态或非预期的响应
type ResponseError struct {
	Operation string
	Command   byte
	Status    byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: bootloader response 0x%02X status %s (0x%02X)",
		e.Operation, e.Command, constants.SBLStatusName(e.Status), e.Status)
}
