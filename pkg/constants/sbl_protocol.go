package constants

import "time"

// 串口引导程序(SBL)协议常量定义
// 帧格式: SOF(0xFE) LEN CMD0 CMD1 PAYLOAD[LEN] FCS

// ============================================================================
// 帧结构常量
// ============================================================================

const (
	SBLFrameSOF     byte = 0xFE // 帧起始字节
	SBLFrameOverhead     = 5    // SOF + LEN + CMD0 + CMD1 + FCS
	SBLCmdSys       byte = 0x4D // SBL命令组 (CMD0)
)

// ============================================================================
// 命令字 (CMD1) 与负载长度
// ============================================================================

const (
	SBLWriteReq        byte = 0x01
	SBLWriteReqLen          = 66
	SBLWriteResp       byte = 0x81
	SBLWriteRespLen         = 1
	SBLReadReq         byte = 0x02
	SBLReadReqLen           = 2
	SBLReadResp        byte = 0x82
	SBLReadRespLen          = 67
	SBLEnableReq       byte = 0x03
	SBLEnableReqLen         = 0
	SBLEnableResp      byte = 0x83
	SBLEnableRespLen        = 1
	SBLHandshakeReq    byte = 0x04
	SBLHandshakeReqLen      = 0
	SBLHandshakeResp   byte = 0x84
	SBLHandshakeRespLen     = 1
)

// 读响应负载中数据区的起始偏移: status(1) + address(2)
const SBLReadRespDataOffset = 3

// ============================================================================
// 状态码
// ============================================================================

const (
	SBLStatusOK         byte = 0x00
	SBLStatusFail       byte = 0x01
	SBLStatusValidation byte = 0x07
)

// SBLStatusName 返回状态码的可读名称
func SBLStatusName(status byte) string {
	switch status {
	case SBLStatusOK:
		return "OK"
	case SBLStatusFail:
		return "FAIL"
	case SBLStatusValidation:
		return "VALIDATION"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// 帧外控制字节
// ============================================================================

const (
	SBLForceBoot byte = 0x10 // 强制进入引导程序
	SBLForceRun  byte = 0xEF // 强制运行应用程序
)

// ============================================================================
// 编程参数
// ============================================================================

const (
	SBLChunkSize          = 64              // 每次写入/读取的字节数 (16个字)
	SBLWordSize           = 4               // 地址以字为单位
	SBLHandshakeRetries   = 50              // 握手最大尝试次数
	SBLHandshakeInterval  = 1 * time.Second // 握手尝试间隔
	SBLAppMemoryOffset    = 0x2000          // 应用程序区起始地址, 读设备时扣除
	SBLReadTimeout        = 10 * time.Second
	SBLDefaultBaudRate    = 115200
	SBLDefaultSerialPort  = "/dev/ttyAMA0"
	SBLVerifyDumpSuffix   = ".dbg"
	SBLFillByte      byte = 0xFF
	SBLResetPin           = 27              // 复位线BCM编号 (物理引脚13)
	SBLResetHold          = 1 * time.Second // 复位线拉低时长
)
