package constants

// MQTT主题常量
const (
	TopicRoot            = "smarthome"
	TopicNodePrefix      = "smarthome/node/"
	TopicGatewayPrefix   = "smarthome/gateway/"
	TopicDiagnostic      = "smarthome/platform/diagnostic/"
	TopicZdoIeeeResp     = "smarthome/platform/diagnostic/zdo/ieee_resp"
	TopicZdoLqiResp      = "smarthome/platform/diagnostic/zdo/lqi_resp"
	TopicDiagNvMem       = "smarthome/platform/diagnostic/nv_mem"
	TopicDiagHeap        = "smarthome/platform/diagnostic/heap"
	TopicLogLevelZmqtt   = "smarthome/platform/diagnostic/loglevel/zmqtt"
	TopicZdoRequestsWild = "smarthome/platform/diagnostic/zdo/+"
)

// CommandSubscriptions 网关需要订阅的全部命令主题
var CommandSubscriptions = []string{
	"smarthome/node/+/hw/zigbee/service",
	"smarthome/node/+/hw/led/+",
	"smarthome/node/+/sensor/+/+/sleep",
	"smarthome/node/+/sensor/+/+/reset",
	"smarthome/node/+/sensor/+/+/reset/+",
	"smarthome/node/+/sensor/+/+/arm",
	"smarthome/node/+/sensor/+/+/switch/status",
	"smarthome/node/+/sensor/+/+/keepalive",
	"smarthome/node/+/sensor/+/+/set/+",
	"smarthome/node/+/sensor/+/+/query",
	"smarthome/gateway/+/hw/led/+",
	"smarthome/gateway/+/hw/reset/+",
	"smarthome/gateway/+/hw/ping/+",
	"smarthome/gateway/+/hw/sbl/+",
	"smarthome/gateway/+/hw/ota/+",
	"smarthome/gateway/+/hw/swdl/+",
	"smarthome/gateway/+/hw/lqi/+",
	TopicZdoRequestsWild,
	TopicLogLevelZmqtt,
}

// 默认发布参数
const (
	DefaultPublishQoS    byte = 1
	DefaultPublishRetain      = true
	DiagnosticQoS        byte = 2
	DiagnosticRetain          = false
)

// 网关软件信息
const (
	GatewaySoftwareVersion = "FREE"
	ZmqttVersion           = "v3.0.0"
)
