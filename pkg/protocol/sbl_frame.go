package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/lunixbochs/struc"
	"github.com/sirupsen/logrus"
)

// SBLFrame 引导程序二进制帧
// SOF(0xFE) | LEN | CMD0 | CMD1 | PAYLOAD[LEN] | FCS
type SBLFrame struct {
	Cmd0    byte
	Cmd1    byte
	Payload []byte
}

// sblWireFrame 帧的线上布局, Length由struc根据Payload自动填写
type sblWireFrame struct {
	SOF     uint8
	Length  int `struc:"uint8,sizeof=Payload"`
	Cmd0    uint8
	Cmd1    uint8
	Payload []byte
	FCS     uint8
}

// SBLWriteRequest 写请求负载 (66字节)
type SBLWriteRequest struct {
	Address uint16 `struc:"uint16,little"`
	Data    [constants.SBLChunkSize]byte
}

// SBLReadRequest 读请求负载 (2字节)
type SBLReadRequest struct {
	Address uint16 `struc:"uint16,little"`
}

// SBLReadResponse 读响应负载 (67字节)
type SBLReadResponse struct {
	Status  uint8
	Address uint16 `struc:"uint16,little"`
	Data    [constants.SBLChunkSize]byte
}

// FoldXOR 对数据逐字节异或
func FoldXOR(seed byte, data []byte) byte {
	for _, b := range data {
		seed ^= b
	}
	return seed
}

// SBLChecksum 计算 FCS = LEN ^ CMD0 ^ CMD1 ^ fold(PAYLOAD)
func SBLChecksum(cmd0, cmd1 byte, payload []byte) byte {
	return FoldXOR(byte(len(payload))^cmd0^cmd1, payload)
}

// EncodeSBLFrame 编码引导程序帧
func EncodeSBLFrame(cmd0, cmd1 byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xFF {
		return nil, errors.New(errors.ErrProtocolInvalidLength,
			fmt.Sprintf("SBL负载过长: %d", len(payload)))
	}

	wire := &sblWireFrame{
		SOF:     constants.SBLFrameSOF,
		Cmd0:    cmd0,
		Cmd1:    cmd1,
		Payload: payload,
		FCS:     SBLChecksum(cmd0, cmd1, payload),
	}
	if wire.Payload == nil {
		wire.Payload = []byte{}
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + constants.SBLFrameOverhead)
	if err := struc.Pack(&buf, wire); err != nil {
		return nil, errors.Wrap(errors.ErrFrameMalformed, "SBL帧打包失败", err)
	}
	return buf.Bytes(), nil
}

// DecodeSBLFrame 从字节源逐字节读取一帧
// 任一字节读取失败或校验失败都返回错误, 不会返回不完整的帧
func DecodeSBLFrame(r io.ByteReader) (*SBLFrame, error) {
	sof, err := r.ReadByte()
	if err != nil {
		logger.WithField("error", err).Warn("SBL接收失败: 未收到SOF")
		return nil, errors.Wrap(errors.ErrFrameTimeout, "未收到SOF", err)
	}
	if sof != constants.SBLFrameSOF {
		logger.WithField("byte", fmt.Sprintf("0x%02x", sof)).Debug("查找SOF")
		return nil, errors.New(errors.ErrFrameInvalidSOF, fmt.Sprintf("非法SOF 0x%02x", sof))
	}

	header := make([]byte, 3)
	names := [3]string{"LEN", "CMD0", "CMD1"}
	for i := range header {
		b, err := r.ReadByte()
		if err != nil {
			logger.WithField("error", err).Warnf("SBL接收失败: 未收到%s", names[i])
			return nil, errors.Wrap(errors.ErrFrameTimeout, "未收到"+names[i], err)
		}
		header[i] = b
	}
	length := int(header[0])
	checksum := header[0] ^ header[1] ^ header[2]

	payload := make([]byte, length)
	for i := 0; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"received": i,
				"expected": length,
				"error":    err,
			}).Warn("SBL接收失败: 负载不完整")
			return nil, errors.Wrap(errors.ErrFrameTimeout, "负载不完整", err)
		}
		payload[i] = b
		checksum ^= b
	}

	fcs, err := r.ReadByte()
	if err != nil {
		logger.WithField("error", err).Warn("SBL接收失败: 未收到FCS")
		return nil, errors.Wrap(errors.ErrFrameTimeout, "未收到FCS", err)
	}
	checksum ^= fcs

	logger.WithFields(logrus.Fields{
		"len":      fmt.Sprintf("0x%02x", length),
		"cmd0":     fmt.Sprintf("0x%02x", header[1]),
		"cmd1":     fmt.Sprintf("0x%02x", header[2]),
		"payload":  fmt.Sprintf("%x", payload),
		"fcs":      fmt.Sprintf("0x%02x", fcs),
		"checksum": fmt.Sprintf("0x%02x", checksum),
	}).Debug("SBL接收帧")

	if checksum != 0 {
		logger.WithField("checksum", fmt.Sprintf("0x%02x", checksum)).Warn("SBL帧校验失败")
		return nil, errors.New(errors.ErrFrameInvalidChecksum,
			fmt.Sprintf("校验失败 0x%02x", checksum))
	}

	return &SBLFrame{Cmd0: header[1], Cmd1: header[2], Payload: payload}, nil
}

// EncodeSBLPayload 使用struc将负载结构体打包
func EncodeSBLPayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, errors.Wrap(errors.ErrFrameMalformed, "负载打包失败", err)
	}
	return buf.Bytes(), nil
}

// DecodeSBLPayload 使用struc将负载解包到结构体
func DecodeSBLPayload(payload []byte, v interface{}) error {
	if err := struc.Unpack(bytes.NewReader(payload), v); err != nil {
		return errors.Wrap(errors.ErrFrameMalformed, "负载解包失败", err)
	}
	return nil
}

// NewSBLWriteRequest 构造写请求, 不足64字节的部分以0xFF填充
func NewSBLWriteRequest(address uint16, chunk []byte) *SBLWriteRequest {
	req := &SBLWriteRequest{Address: address}
	n := copy(req.Data[:], chunk)
	for i := n; i < len(req.Data); i++ {
		req.Data[i] = constants.SBLFillByte
	}
	return req
}
