// Package router 在串口上报消息与MQTT主题之间双向转换
//
// 上行: 协调器文本消息 -> 主题与负载, 同时更新设备注册表.
// 下行: 命令主题 -> 串口消息体或网关本地动作 (Command).
package router

import (
	"fmt"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/protocol"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Publisher 消息总线发布接口
type Publisher interface {
	Publish(topic, payload string, qos byte, retain bool) error
}

// Gateway 路由上行消息时需要的网关侧能力
type Gateway interface {
	// Execute 执行一条命令, 与下行命令走同一路径
	Execute(cmd Command)
	// PongReceived 网关微控制器回复了ping
	PongReceived()
	// GatewayVersion 网关微控制器上报了固件版本
	GatewayVersion(version string)
}

// Options 路由配置
type Options struct {
	GatewayID       string
	DefaultQoS      byte
	DefaultRetain   bool
	SoftwareVersion string
	ZmqttVersion    string
	Now             func() time.Time
}

// DefaultOptions 默认发布参数
func DefaultOptions(gatewayID string) Options {
	return Options{
		GatewayID:       gatewayID,
		DefaultQoS:      constants.DefaultPublishQoS,
		DefaultRetain:   constants.DefaultPublishRetain,
		SoftwareVersion: constants.GatewaySoftwareVersion,
		ZmqttVersion:    constants.ZmqttVersion,
		Now:             time.Now,
	}
}

// Router 消息路由器
type Router struct {
	pub  Publisher
	reg  *registry.Registry
	gw   Gateway
	opts Options

	inbound map[string]map[string]handlerFunc
}

// New 创建路由器
func New(pub Publisher, reg *registry.Registry, gw Gateway, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Router{pub: pub, reg: reg, gw: gw, opts: opts}
	r.inbound = r.inboundTable()
	return r
}

// GatewayID 网关ID
func (r *Router) GatewayID() string {
	return r.opts.GatewayID
}

// HandleLine 处理一行协调器上报
func (r *Router) HandleLine(line []byte) {
	msg, err := protocol.ParseSensorMessage(line)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("无效的串口消息")
		return
	}
	if msg == nil {
		return
	}
	r.HandleMessage(msg)
}

// HandleMessage 按 group 和 kind 分发一条已解析的上报
func (r *Router) HandleMessage(msg *protocol.SensorMessage) {
	logger.WithField("message", msg.String()).Debug("收到串口消息")

	nid, ok := registry.MacToNodeID(msg.NodeAddress)
	if !ok {
		logger.WithFields(logrus.Fields{
			"node":   msg.NodeAddress,
			"length": len(msg.NodeAddress),
		}).Warn("无效的节点地址")
		return
	}

	kinds, ok := r.inbound[msg.Group]
	if !ok {
		logger.WithField("group", msg.Group).Warn("未知的消息组")
		return
	}
	handler, ok := kinds[msg.Kind]
	if !ok {
		logger.WithFields(logrus.Fields{
			"group": msg.Group,
			"kind":  msg.Kind,
		}).Warn("未知的消息类型")
		return
	}

	in := inbound{group: msg.Group, nid: nid, sid: msg.SensorID, kind: msg.Kind, payload: msg.Payload}
	if err := handler(in); err != nil {
		logger.WithFields(logrus.Fields{
			"group":   msg.Group,
			"kind":    msg.Kind,
			"payload": msg.Payload,
			"error":   err.Error(),
		}).Error("处理串口消息失败")
	}
}

func (r *Router) publish(topic, payload string) {
	r.publishX(topic, payload, r.opts.DefaultQoS, r.opts.DefaultRetain)
}

func (r *Router) publishX(topic, payload string, qos byte, retain bool) {
	payload = printable(payload)
	logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": payload,
		"qos":     qos,
		"retain":  retain,
	}).Debug("发布MQTT消息")
	if err := r.pub.Publish(topic, payload, qos, retain); err != nil {
		logger.WithFields(logrus.Fields{
			"topic": topic,
			"error": err.Error(),
		}).Warn("发布MQTT消息失败")
	}
}

// announceCoordinator 发布尚未发送的协调器地址
func (r *Router) announceCoordinator() {
	for _, a := range r.reg.PendingCoordinatorAnnouncements() {
		r.publish(fmt.Sprintf("%s%s/hw/zigbee/%s", constants.TopicGatewayPrefix, r.opts.GatewayID, a.Kind), a.Value)
	}
}

func (r *Router) timestamp() string {
	return r.opts.Now().Format(constants.TimeFormatTimestamp)
}
