package router

import (
	"fmt"
	"strings"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/sirupsen/logrus"
)

// inbound 一条已解析节点ID的上报
type inbound struct {
	group   string
	nid     string
	sid     string
	kind    string
	payload string
}

type handlerFunc func(in inbound) error

// 固定传感器编号
const (
	waterSensorID     = "1031"
	doorSensorID      = "1032"
	smokeSensorID     = "1033"
	rgbDefaultSensor  = "0006"
	revisionRGBMarker = "RGB"
)

var (
	motionStates = map[string]string{"0": "IDLE", "1": "ACTIVE"}
	fallStates   = map[string]string{"0": "OK", "1": "FALL", "2": "PANIC"}
	roleNames    = map[string]string{"c": "coordinator", "r": "router", "e": "end device"}
)

func (r *Router) inboundTable() map[string]map[string]handlerFunc {
	general := map[string]handlerFunc{
		"MAC":    r.handleMAC,
		"NWK":    r.handleNWK,
		"lqi":    r.diagnostic(constants.TopicZdoLqiResp),
		"ieee":   r.diagnostic(constants.TopicZdoIeeeResp),
		"role":   r.handleRole,
		"rev":    r.handleRevision,
		"ser":    r.handleSerial,
		"bt":     r.handleButton,
		"sw":     r.handleVersion,
		"crc":    r.handleCRC,
		"chn":    r.handleChannel,
		"ping":   r.handlePing,
		"nv_mem": r.platform(constants.TopicDiagNvMem),
		"heap":   r.platform(constants.TopicDiagHeap),
	}

	colorbulb := map[string]handlerFunc{
		"st":  r.switchState("colorbulb"),
		"lv":  r.ranged("colorbulb", "level", 0, 100),
		"hue": r.ranged("colorbulb", "hue", 0, 360),
		"sat": r.ranged("colorbulb", "saturation", 0, 100),
	}

	return map[string]map[string]handlerFunc{
		"hw":  general,
		"gw":  general,
		"bat": {"v": r.handleBatteryVoltage, "est": r.handleBatteryEstimate},
		"p": {
			"st": r.status("power", ParseBool01),
			"p":  r.handlePower,
			"e":  r.handleEnergy,
		},
		"t":     {"act": r.scaledActual("temperature", "oC", 100)},
		"h":     {"act": r.scaledActual("humidity", "%", 100)},
		"m":     {"st": r.status("motion", enum(motionStates))},
		"f":     {"st": r.status("fall", enum(fallStates))},
		"co2":   {"act": r.rawActual("co2", "ppm")},
		"voc":   {"act": r.rawActual("voc", "ppb")},
		"pm2_5": {"act": r.rawActual("pm2_5", "ugm3")},
		"pm10":  {"act": r.rawActual("pm10", "ugm3")},
		"lux":   {"act": r.rawActual("illuminance", "lux")},
		"pr":    {"act": r.scaledActual("pressure", "hPa", 10)},
		"blb": {
			"st": r.switchState("bulb"),
			"lv": r.ranged("bulb", "level", 0, 100),
		},
		"cblb": colorbulb,
		"w":    {"st": r.fixedStatus("water", waterSensorID)},
		"d":    {"st": r.fixedStatus("door", doorSensorID)},
		"sm":   {"st": r.fixedStatus("smoke", smokeSensorID)},
	}
}

func enum(table map[string]string) func(string) (Value, error) {
	return func(raw string) (Value, error) { return ParseEnum(raw, table) }
}

// hwTopic 按消息组选择节点或网关主题前缀
func hwTopic(group, nid, suffix string) string {
	if group == "gw" {
		return constants.TopicGatewayPrefix + nid + "/" + suffix
	}
	return constants.TopicNodePrefix + nid + "/" + suffix
}

func sensorTopic(nid, class, sid, field string) string {
	return fmt.Sprintf("%s%s/sensor/%s/%s/value/%s", constants.TopicNodePrefix, nid, class, sid, field)
}

// publishSensor 依次发布时间戳, 单位(可选)和值
func (r *Router) publishSensor(topic, unitTopic, unit string, v Value) {
	r.publish(strings.ReplaceAll(topic, "value", "timestamp"), r.timestamp())
	if unitTopic != "" {
		r.publish(unitTopic, unit)
	}
	r.publish(topic, v.String())
}

// ---- hw / gw ----

func (r *Router) handleMAC(in inbound) error {
	mac, ok := registry.MacToNodeID(in.payload)
	if !ok {
		logger.WithField("payload", in.payload).Warn("MAC地址转换失败, 使用原始值")
		mac = in.payload
	}
	r.publish(hwTopic(in.group, in.nid, "hw/zigbee/MAC"), mac)

	r.reg.RecordIdentity(in.nid, mac)
	r.announceCoordinator()
	return nil
}

func (r *Router) handleNWK(in inbound) error {
	r.publish(hwTopic(in.group, in.nid, "hw/zigbee/NWK"), in.payload)

	r.reg.RecordNetworkAddress(in.nid, in.payload)
	r.announceCoordinator()
	return nil
}

func (r *Router) diagnostic(topic string) handlerFunc {
	return func(in inbound) error {
		r.publishX(topic, in.payload, constants.DiagnosticQoS, constants.DiagnosticRetain)
		return nil
	}
}

func (r *Router) platform(topic string) handlerFunc {
	return func(in inbound) error {
		r.publish(topic, in.payload)
		return nil
	}
}

func (r *Router) handleRole(in inbound) error {
	v, err := ParseEnum(in.payload, roleNames)
	if err != nil {
		return err
	}
	if in.payload == "c" {
		r.reg.MarkCoordinator(in.nid)
	}
	r.reg.RecordRole(in.nid, v.String())
	r.publish(hwTopic(in.group, in.nid, "hw/zigbee/role"), v.String())
	r.announceCoordinator()
	return nil
}

func (r *Router) handleRevision(in inbound) error {
	r.publish(hwTopic(in.group, in.nid, "hw/revision"), in.payload)

	if in.group == "gw" {
		r.publish(hwTopic(in.group, in.nid, "sw/version"), r.opts.SoftwareVersion)
		r.publish(hwTopic(in.group, in.nid, "sw/zmq_version"), r.opts.ZmqttVersion)
		return nil
	}

	if strings.Contains(in.payload, revisionRGBMarker) {
		// RGB灯的初始状态
		defaults := []struct{ kind, payload string }{
			{"st", "1"}, {"lv", "75"}, {"hue", "48"}, {"sat", "91"},
		}
		kinds := r.inbound["cblb"]
		for _, d := range defaults {
			_ = kinds[d.kind](inbound{group: "cblb", nid: in.nid, sid: rgbDefaultSensor, kind: d.kind, payload: d.payload})
		}
	}
	return nil
}

func (r *Router) handleSerial(in inbound) error {
	r.publish(hwTopic(in.group, in.nid, "hw/serial"), printable(in.payload))
	return nil
}

func (r *Router) handleButton(in inbound) error {
	r.publish(hwTopic(in.group, in.nid, "hw/button/"+in.sid), in.payload)
	return nil
}

func (r *Router) handleVersion(in inbound) error {
	topic := hwTopic(in.group, in.nid, "sw/version")
	if in.group == "gw" {
		topic = hwTopic(in.group, in.nid, "sw/rf_version")
		r.gw.GatewayVersion(in.payload)
	}
	r.gw.Execute(Command{Kind: CommandOTA, Body: constants.AppMsgOTAStart, OTAAllowed: true})
	r.publish(topic, in.payload)
	return nil
}

func (r *Router) handleCRC(in inbound) error {
	r.publish(constants.TopicNodePrefix+in.nid+"/sw/crc", in.payload)
	return nil
}

func (r *Router) handleChannel(in inbound) error {
	if in.group != "gw" {
		logger.WithField("nid", in.nid).Debug("忽略节点的信道上报")
		return nil
	}
	r.publish(hwTopic(in.group, in.nid, "gw/channel"), in.payload)
	return nil
}

func (r *Router) handlePing(in inbound) error {
	if in.group != "gw" {
		logger.WithField("nid", in.nid).Debug("忽略节点的ping上报")
		return nil
	}
	r.gw.PongReceived()
	r.publish(hwTopic(in.group, in.nid, "gw/ping"), in.payload)
	return nil
}

// ---- battery ----

func batteryEstimate(voltage float64) int {
	estimate := int(((voltage - 1.8) / 1.2) * 100)
	if estimate > 100 {
		return 100
	}
	if estimate < 1 {
		return 1
	}
	return estimate
}

func (r *Router) handleBatteryVoltage(in inbound) error {
	raw, err := parseFinite(in.payload)
	if err != nil {
		return err
	}
	voltage := raw / 100
	base := constants.TopicNodePrefix + in.nid + "/battery/"
	r.publish(base+"voltage", FormatFloat(voltage))
	r.publish(base+"estimate", fmt.Sprintf("%d", batteryEstimate(voltage)))
	return nil
}

func (r *Router) handleBatteryEstimate(in inbound) error {
	base := constants.TopicNodePrefix + in.nid + "/battery/"
	r.publish(base+"estimate", in.payload)
	r.publish(base+"voltage", "3")
	return nil
}

// ---- sensors ----

func (r *Router) status(class string, parse func(string) (Value, error)) handlerFunc {
	return func(in inbound) error {
		v, err := parse(in.payload)
		if err != nil {
			return err
		}
		r.publishSensor(sensorTopic(in.nid, class, in.sid, "status"), "", "", v)
		return nil
	}
}

func (r *Router) fixedStatus(class, sid string) handlerFunc {
	return func(in inbound) error {
		v, err := ParseBool01(in.payload)
		if err != nil {
			return err
		}
		r.publishSensor(sensorTopic(in.nid, class, sid, "status"), "", "", v)
		return nil
	}
}

func (r *Router) switchState(class string) handlerFunc {
	return func(in inbound) error {
		v, err := ParseBool01(in.payload)
		if err != nil {
			return err
		}
		r.publishSensor(sensorTopic(in.nid, class, in.sid, "switch"), "", "", v)
		return nil
	}
}

func (r *Router) ranged(class, field string, min, max int64) handlerFunc {
	return func(in inbound) error {
		v, err := ParseIntRange(in.payload, min, max)
		if err != nil {
			return err
		}
		r.publishSensor(sensorTopic(in.nid, class, in.sid, field), "", "", v)
		return nil
	}
}

// actualUnitTopic .../{sid}/value/actual -> .../{sid}/unit
func actualUnitTopic(topic string) string {
	return strings.ReplaceAll(topic, "value/actual", "unit")
}

func (r *Router) scaledActual(class, unit string, divisor float64) handlerFunc {
	return func(in inbound) error {
		v, err := ParseScaled(in.payload, divisor)
		if err != nil {
			return err
		}
		topic := sensorTopic(in.nid, class, in.sid, "actual")
		r.publishSensor(topic, actualUnitTopic(topic), unit, v)
		return nil
	}
}

func (r *Router) rawActual(class, unit string) handlerFunc {
	return func(in inbound) error {
		topic := sensorTopic(in.nid, class, in.sid, "actual")
		r.publishSensor(topic, actualUnitTopic(topic), unit, Text(in.payload))
		return nil
	}
}

func (r *Router) handlePower(in inbound) error {
	v, err := ParseScaled(in.payload, 100)
	if err != nil {
		return err
	}
	topic := sensorTopic(in.nid, "power", in.sid, "power")
	r.publishSensor(topic, strings.ReplaceAll(topic, "value", "unit"), "W", v)
	return nil
}

func (r *Router) handleEnergy(in inbound) error {
	raw, err := parseFinite(in.payload)
	if err != nil {
		return err
	}
	topic := sensorTopic(in.nid, "power", in.sid, "energy")
	r.publishSensor(topic, strings.ReplaceAll(topic, "value", "unit"), "kWh",
		Text(fmt.Sprintf("%.10f", raw/100000)))
	logger.WithFields(logrus.Fields{
		"nid": in.nid,
		"sid": in.sid,
	}).Debug("能量上报")
	return nil
}
