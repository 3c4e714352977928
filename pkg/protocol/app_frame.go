package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
)

// 应用层ASCII帧
// SOF | LEN | CMD0(0x29) | CMD1(0x00) | EP(0x08) | "%02x/" BODY | CKS | '\r'
// LEN = len("%02x/" BODY) + 1, CKS = LEN ^ CMD0 ^ CMD1 ^ EP ^ fold(text)

// appHeaderSize LEN + CMD0 + CMD1 + EP
const appHeaderSize = 4

// EncodeAppFrame 编码一帧发往协调器的应用层消息
func EncodeAppFrame(seq uint8, body string) ([]byte, error) {
	text := fmt.Sprintf("%02x%s%s", seq, constants.AppMessageSeparator, body)
	if len(text)+1 > 0xFF {
		return nil, errors.New(errors.ErrProtocolInvalidLength,
			fmt.Sprintf("消息过长: %d", len(text)))
	}

	frame := make([]byte, 0, 1+appHeaderSize+len(text)+2)
	frame = append(frame, constants.AppFrameSOF)
	frame = append(frame,
		byte(len(text)+1),
		constants.AppMsgCmd0,
		constants.AppMsgCmd1,
		constants.AppEndpoint,
	)
	frame = append(frame, text...)
	frame = append(frame, FoldXOR(0, frame[1:]))
	frame = append(frame, constants.AppFrameTerminator)
	return frame, nil
}

// DecodeAppFrame 解析EncodeAppFrame产生的帧, 返回序号与消息体
func DecodeAppFrame(frame []byte) (uint8, string, error) {
	minLen := 1 + appHeaderSize + 3 + 2
	if len(frame) < minLen {
		return 0, "", errors.New(errors.ErrFrameMalformed, "帧长度不足")
	}
	if frame[0] != constants.AppFrameSOF {
		return 0, "", errors.New(errors.ErrFrameInvalidSOF, fmt.Sprintf("非法SOF 0x%02x", frame[0]))
	}
	if frame[len(frame)-1] != constants.AppFrameTerminator {
		return 0, "", errors.New(errors.ErrFrameMalformed, "缺少帧结束符")
	}

	length := int(frame[1])
	text := frame[1+appHeaderSize : len(frame)-2]
	if length != len(text)+1 {
		return 0, "", errors.New(errors.ErrProtocolInvalidLength,
			fmt.Sprintf("长度字段 %d 与内容长度 %d 不符", length, len(text)))
	}
	if frame[2] != constants.AppMsgCmd0 || frame[3] != constants.AppMsgCmd1 || frame[4] != constants.AppEndpoint {
		return 0, "", errors.New(errors.ErrProtocolUnexpectedCommand, "帧头命令字不匹配")
	}
	if FoldXOR(0, frame[1:len(frame)-1]) != 0 {
		return 0, "", errors.New(errors.ErrFrameInvalidChecksum, "校验失败")
	}

	seqText, body, ok := strings.Cut(string(text), constants.AppMessageSeparator)
	if !ok || len(seqText) != 2 {
		return 0, "", errors.New(errors.ErrFrameMalformed, "缺少序号")
	}
	seq, err := strconv.ParseUint(seqText, 16, 8)
	if err != nil {
		return 0, "", errors.Wrap(errors.ErrFrameMalformed, "序号格式错误", err)
	}
	return uint8(seq), body, nil
}

// SequenceCounter 帧序号计数器, 0..255循环
type SequenceCounter struct {
	mu   sync.Mutex
	next uint8
}

// Next 返回当前序号并递增
func (c *SequenceCounter) Next() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.next
	c.next++
	return seq
}

// Peek 返回下一次将使用的序号
func (c *SequenceCounter) Peek() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// SensorMessage 协调器上报的一条文本消息 node/group/sensorId/kind/payload
type SensorMessage struct {
	NodeAddress string
	Group       string
	SensorID    string
	Kind        string
	Payload     string
}

// String 还原为线上格式
func (m *SensorMessage) String() string {
	return strings.Join([]string{m.NodeAddress, m.Group, m.SensorID, m.Kind, m.Payload},
		constants.AppMessageSeparator)
}

// ParseSensorMessage 解析一行上报文本
// 空行返回 (nil, nil); 字段数不是5或存在空字段时返回错误
func ParseSensorMessage(line []byte) (*SensorMessage, error) {
	text := strings.TrimRightFunc(string(line), unicode.IsSpace)
	if text == "" {
		return nil, nil
	}

	fields := strings.Split(text, constants.AppMessageSeparator)
	if len(fields) != constants.AppMessageFieldCount {
		return nil, errors.New(errors.ErrFrameMalformed,
			fmt.Sprintf("消息字段数应为%d, 实际为%d: %q", constants.AppMessageFieldCount, len(fields), text))
	}
	for i, f := range fields {
		if f == "" {
			return nil, errors.New(errors.ErrFrameMalformed,
				fmt.Sprintf("第%d个字段为空: %q", i+1, text))
		}
	}

	return &SensorMessage{
		NodeAddress: fields[0],
		Group:       fields[1],
		SensorID:    fields[2],
		Kind:        fields[3],
		Payload:     fields[4],
	}, nil
}
