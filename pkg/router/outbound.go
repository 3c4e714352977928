package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/sirupsen/logrus"
)

// CommandKind 下行命令类型
type CommandKind int

const (
	CommandNone     CommandKind = iota // 合法但无需动作
	CommandSerial                      // 发送一条串口消息体
	CommandLED                         // 网关本地指示灯
	CommandLogLevel                    // 调整日志级别
	CommandResetApp                    // 复位协调器到应用程序
	CommandFlash                       // 刷写指定固件文件
	CommandOTA                         // 发送OTA开关消息并记录允许状态
)

func (k CommandKind) String() string {
	switch k {
	case CommandNone:
		return "none"
	case CommandSerial:
		return "serial"
	case CommandLED:
		return "led"
	case CommandLogLevel:
		return "loglevel"
	case CommandResetApp:
		return "reset"
	case CommandFlash:
		return "flash"
	case CommandOTA:
		return "ota"
	default:
		return "unknown"
	}
}

// Command 下行主题翻译结果
type Command struct {
	Kind CommandKind

	// Body 串口消息体, CommandSerial 与 CommandOTA 使用
	Body string

	LED     string
	LEDMode hardware.Mode

	Level logrus.Level

	// File 固件文件名, CommandFlash 使用
	File string

	OTAAllowed bool
}

func serial(format string, args ...interface{}) Command {
	return Command{Kind: CommandSerial, Body: fmt.Sprintf(format, args...)}
}

var sleepClasses = map[string]string{
	"power":       "p",
	"temperature": "t",
	"humidity":    "h",
	"motion":      "m",
	"co2":         "co2",
	"voc":         "voc",
	"pm2_5":       "pm2_5",
	"pm10":        "pm10",
	"illuminance": "lux",
	"pressure":    "pr",
}

var armClasses = map[string]string{
	"motion": "m",
	"fall":   "f",
}

var ledCodes = map[string]string{"OFF": "0", "ON": "1", "BLINK": "2"}

var gatewayResets = map[string]bool{
	"sensor_delete":  true,
	"sensor_rewrite": true,
	"sensor_print":   true,
	"network_reset":  true,
	"reset":          true,
}

var zdoRequests = map[string]string{
	"ieee_req":     "ieee",
	"lqi_req":      "lqi",
	"pid_req":      "pid",
	"ch_req":       "ch",
	"rm_child_req": "rm_child",
	"join_req":     "join",
}

// colorTransition hsv 命令附加的过渡时间
const colorTransition = ":0"

func unknownTopic(topic string) error {
	return errors.New(errors.ErrUnknownTopic, fmt.Sprintf("unknown or invalid topic <%s>", topic))
}

// Translate 将命令主题与负载翻译为一条命令
func Translate(topic, payload string) (Command, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != constants.TopicRoot {
		return Command{}, unknownTopic(topic)
	}

	switch parts[1] {
	case "node":
		return translateNode(topic, parts[2:], payload)
	case "gateway":
		return translateGateway(topic, parts[2:], payload)
	case "platform":
		return translatePlatform(topic, payload)
	}
	return Command{}, unknownTopic(topic)
}

// translateNode parts: {nid, "hw"|"sensor", ...}
func translateNode(topic string, parts []string, payload string) (Command, error) {
	mac, ok := registry.NodeIDToMac(parts[0])
	if !ok || len(parts) < 4 {
		return Command{}, unknownTopic(topic)
	}

	switch {
	case parts[1] == "hw" && len(parts) == 4 && parts[2] == "zigbee" && parts[3] == "service":
		switch payload {
		case "OFF":
			return serial("%s/hw/0/srv/0", mac), nil
		case "ON":
			return serial("%s/hw/0/srv/1", mac), nil
		}
		return Command{}, invalidPayload(payload)

	case parts[1] == "hw" && len(parts) == 4 && parts[2] == "led":
		code, ok := ledCodes[payload]
		if !ok {
			return Command{}, invalidPayload(payload)
		}
		return serial("%s/hw/%s/led/%s", mac, parts[3], code), nil

	case parts[1] == "sensor" && len(parts) >= 5:
		return translateSensor(topic, mac, parts[2], parts[3], strings.Join(parts[4:], "/"), payload)
	}
	return Command{}, unknownTopic(topic)
}

func translateSensor(topic, mac, class, sid, action, payload string) (Command, error) {
	switch action {
	case "sleep":
		code, ok := sleepClasses[class]
		if !ok {
			break
		}
		n, err := strconv.Atoi(payload)
		if err != nil {
			return Command{}, invalidPayload(payload)
		}
		return serial("%s/%s/%s/sl/%s", mac, code, sid, FormatFloat(float64(n)/1000)), nil

	case "arm":
		code, ok := armClasses[class]
		if !ok {
			break
		}
		switch payload {
		case "DISARM":
			return serial("%s/%s/%s/arm/0", mac, code, sid), nil
		case "ARM":
			return serial("%s/%s/%s/arm/1", mac, code, sid), nil
		}
		return Command{}, invalidPayload(payload)

	case "keepalive":
		if class == "fall" {
			return serial("%s/f/%s/ka/%s", mac, sid, payload), nil
		}

	case "switch/status", "set/switch", "reset", "reset/energy":
		return translateSwitch(topic, mac, class, sid, action, payload)

	case "set/level", "set/hue", "set/saturation", "set/hsv", "set/temperature", "query":
		return translateBulb(topic, mac, class, action, payload)
	}
	return Command{}, unknownTopic(topic)
}

func switchBit(payload string) (string, error) {
	switch payload {
	case "false":
		return "0", nil
	case "true":
		return "1", nil
	}
	return "", invalidPayload(payload)
}

func translateSwitch(topic, mac, class, sid, action, payload string) (Command, error) {
	switch {
	case class == "power" && (action == "reset" || action == "reset/energy"):
		return serial("%s/p/%s/re/%s", mac, sid, payload), nil
	case class == "power" && (action == "switch/status" || action == "set/switch"):
		bit, err := switchBit(payload)
		if err != nil {
			return Command{}, err
		}
		return serial("%s/p/%s/sw/%s", mac, sid, bit), nil
	case action == "set/switch" && (class == "bulb" || class == "colorbulb"):
		bit, err := switchBit(payload)
		if err != nil {
			return Command{}, err
		}
		return serial("%s/%s/set/sw/%s", mac, bulbCode(class), bit), nil
	}
	return Command{}, unknownTopic(topic)
}

func bulbCode(class string) string {
	if class == "colorbulb" {
		return "cblb"
	}
	return "blb"
}

func translateBulb(topic, mac, class, action, payload string) (Command, error) {
	if class != "bulb" && class != "colorbulb" {
		return Command{}, unknownTopic(topic)
	}
	code := bulbCode(class)

	switch action {
	case "query":
		if payload != "all" {
			return Command{}, invalidPayload(payload)
		}
		return serial("%s/%s/qry/all/all", mac, code), nil
	case "set/level":
		v, err := ParseIntRange(payload, 0, 100)
		if err != nil {
			return Command{}, err
		}
		return serial("%s/%s/set/lv/%d", mac, code, v.Int), nil
	}

	if class != "colorbulb" {
		return Command{}, unknownTopic(topic)
	}
	switch action {
	case "set/hue":
		v, err := ParseIntRange(payload, 0, 360)
		if err != nil {
			return Command{}, err
		}
		return serial("%s/cblb/set/hue/%d", mac, v.Int), nil
	case "set/saturation":
		v, err := ParseIntRange(payload, 0, 100)
		if err != nil {
			return Command{}, err
		}
		return serial("%s/cblb/set/sat/%d", mac, v.Int), nil
	case "set/hsv":
		return serial("%s/cblb/set/hsv/%s%s", mac, payload, colorTransition), nil
	case "set/temperature":
		return serial("%s/cblb/set/ctemp/%s", mac, payload), nil
	}
	return Command{}, unknownTopic(topic)
}

// translateGateway parts: {gwid, "hw", action, id}
func translateGateway(topic string, parts []string, payload string) (Command, error) {
	if len(parts) != 4 || parts[0] == "" || parts[1] != "hw" {
		return Command{}, unknownTopic(topic)
	}
	gwid, action, id := parts[0], parts[2], parts[3]

	switch action {
	case "led":
		mode, ok := hardware.ParseMode(payload)
		if !ok {
			return Command{}, invalidPayload(payload)
		}
		return Command{Kind: CommandLED, LED: id, LEDMode: mode}, nil

	case "reset":
		if payload == "true" {
			return Command{Kind: CommandResetApp}, nil
		}
		if gatewayResets[payload] {
			return serial("0/ready/%s/0/0", payload), nil
		}
		return Command{}, invalidPayload(payload)

	case "ping":
		if payload != "ping" {
			return Command{}, invalidPayload(payload)
		}
		return Command{Kind: CommandSerial, Body: constants.AppMsgPing}, nil

	case "sbl":
		// 负载必须是 .bin 文件名
		fields := strings.Split(payload, ".")
		if len(fields) < 2 || fields[1] != "bin" {
			return Command{}, errors.New(errors.ErrInvalidParameter,
				fmt.Sprintf("payload must be .bin filename <%s>", payload))
		}
		return Command{Kind: CommandFlash, File: payload}, nil

	case "ota":
		switch payload {
		case "START":
			return Command{Kind: CommandOTA, Body: constants.AppMsgOTAStart, OTAAllowed: true}, nil
		case "STOP":
			return Command{Kind: CommandOTA, Body: constants.AppMsgOTAStop, OTAAllowed: false}, nil
		}
		if id == "image_notify" {
			// 镜像通知暂不转发给协调器
			logger.WithField("payload", payload).Debug("忽略OTA镜像通知")
			return Command{Kind: CommandNone}, nil
		}
		return Command{}, invalidPayload(payload)

	case "swdl":
		switch payload {
		case "START":
			return Command{Kind: CommandLED, LED: hardware.LEDDownload, LEDMode: hardware.ModeOn}, nil
		case "END":
			return Command{Kind: CommandLED, LED: hardware.LEDDownload, LEDMode: hardware.ModeOff}, nil
		}
		return Command{}, invalidPayload(payload)

	case "lqi":
		if payload != "START" {
			return Command{}, invalidPayload(payload)
		}
		return serial("%s/hw/%s/lqi/1", gwid, id), nil
	}
	return Command{}, unknownTopic(topic)
}

func translatePlatform(topic, payload string) (Command, error) {
	if topic == constants.TopicLogLevelZmqtt {
		severity, err := strconv.Atoi(payload)
		if err != nil {
			return Command{}, errors.New(errors.ErrInvalidParameter,
				fmt.Sprintf("invalid log level format <%s>", payload))
		}
		level, ok := logger.SeverityLevel(severity)
		if !ok {
			return Command{}, errors.New(errors.ErrInvalidParameter,
				fmt.Sprintf("invalid log level value <%d>", severity))
		}
		return Command{Kind: CommandLogLevel, Level: level}, nil
	}

	zdoPrefix := constants.TopicDiagnostic + "zdo/"
	if sub, ok := strings.CutPrefix(topic, zdoPrefix); ok && !strings.Contains(sub, "/") {
		if req, ok := zdoRequests[sub]; ok {
			return serial("0/ready/zdo/%s/%s", req, payload), nil
		}
		if strings.HasSuffix(sub, "_resp") {
			// 网关自己发布的响应也会被订阅回来
			return Command{Kind: CommandNone}, nil
		}
	}
	return Command{}, unknownTopic(topic)
}

// HandleCommand 翻译并执行一条下行消息, 无效消息只记录错误
func (r *Router) HandleCommand(topic string, payload []byte) {
	text := string(payload)
	logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": text,
	}).Debug("收到MQTT命令")

	cmd, err := Translate(topic, text)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"topic":   topic,
			"payload": text,
			"error":   err.Error(),
		}).Error("无效的MQTT命令")
		return
	}
	if cmd.Kind == CommandNone {
		return
	}
	r.gw.Execute(cmd)
}
