package constants

import "time"

// 应用层ASCII帧协议常量
// 帧格式: SOF LEN CMD0 CMD1 EP "SS/" BODY CKS '\r'

const (
	AppFrameSOF         byte = 0xFE
	AppMsgCmd0          byte = 0x29
	AppMsgCmd1          byte = 0x00
	AppEndpoint         byte = 0x08
	AppFrameTerminator  byte = '\r'
	AppLineTerminator   byte = '\n'
	AppMessageSeparator      = "/"
	AppMessageFieldCount     = 5
	AppSequenceModulo        = 256
)

const (
	AppReadTimeout     = 15 * time.Second       // 应用运行时串口读取超时
	AppSendSettleDelay = 500 * time.Millisecond // 每次发送后的等待时间
	AppDefaultBaudRate = 115200
)

// 网关发往协调器的固定消息体
const (
	AppMsgReady    = "0/ready/0/0/0"
	AppMsgPing     = "0/ready/ping/0/0"
	AppMsgOTAStart = "0/ota/0/0/1"
	AppMsgOTAStop  = "0/ota/0/0/0"
)

// 时间格式
const (
	TimeFormatDefault   = "2006-01-02 15:04:05"
	TimeFormatTimestamp = "02.01.2006 15:04:05" // 发布到 .../timestamp/... 主题的时间戳格式
)
