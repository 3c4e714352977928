package router

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGateway = "b827eb010203"
	testMac     = "0:12:4b:0:1:2:3:4"
	testNode    = "00124b0001020304"
	testStamp   = "04.03.2026 05:06:07"
)

type published struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic, payload string, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, payload, qos, retain})
	return p.err
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Topic
	}
	return out
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

type fakeGateway struct {
	commands []Command
	pongs    int
	versions []string
}

func (g *fakeGateway) Execute(cmd Command)           { g.commands = append(g.commands, cmd) }
func (g *fakeGateway) PongReceived()                 { g.pongs++ }
func (g *fakeGateway) GatewayVersion(version string) { g.versions = append(g.versions, version) }

func newTestRouter() (*Router, *fakePublisher, *fakeGateway, *registry.Registry) {
	pub := &fakePublisher{}
	gw := &fakeGateway{}
	reg := registry.New(nil)
	opts := DefaultOptions(testGateway)
	opts.Now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return New(pub, reg, gw, opts), pub, gw, reg
}

func line(s string) []byte { return []byte(s + "\r\n") }

func TestHandleLine_Temperature(t *testing.T) {
	r, pub, _, _ := newTestRouter()
	r.HandleLine(line(testMac + "/t/0001/act/2150"))

	base := constants.TopicNodePrefix + testNode + "/sensor/temperature/0001/"
	assert.Equal(t, []published{
		{base + "timestamp/actual", testStamp, 1, true},
		{base + "unit", "oC", 1, true},
		{base + "value/actual", "21.5", 1, true},
	}, pub.msgs)
}

func TestHandleLine_ScaledSensors(t *testing.T) {
	tests := []struct {
		line  string
		topic string
		unit  string
		value string
	}{
		{"/h/0002/act/4530", "/sensor/humidity/0002/value/actual", "%", "45.3"},
		{"/pr/0003/act/10132", "/sensor/pressure/0003/value/actual", "hPa", "1013.2"},
		{"/co2/0004/act/415", "/sensor/co2/0004/value/actual", "ppm", "415"},
		{"/voc/0004/act/12", "/sensor/voc/0004/value/actual", "ppb", "12"},
		{"/pm2_5/0004/act/8", "/sensor/pm2_5/0004/value/actual", "ugm3", "8"},
		{"/pm10/0004/act/9", "/sensor/pm10/0004/value/actual", "ugm3", "9"},
		{"/lux/0004/act/300", "/sensor/illuminance/0004/value/actual", "lux", "300"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			r, pub, _, _ := newTestRouter()
			r.HandleLine(line(testMac + tt.line))
			require.Len(t, pub.msgs, 3)
			assert.Equal(t, tt.unit, pub.msgs[1].Payload)
			assert.Equal(t, constants.TopicNodePrefix+testNode+tt.topic, pub.msgs[2].Topic)
			assert.Equal(t, tt.value, pub.msgs[2].Payload)
		})
	}
}

func TestHandleLine_Power(t *testing.T) {
	r, pub, _, _ := newTestRouter()
	base := constants.TopicNodePrefix + testNode + "/sensor/power/0001/"

	r.HandleLine(line(testMac + "/p/0001/p/12345"))
	assert.Equal(t, []string{base + "timestamp/power", base + "unit/power", base + "value/power"}, pub.topics())
	assert.Equal(t, "W", pub.msgs[1].Payload)
	assert.Equal(t, "123.45", pub.msgs[2].Payload)

	pub.reset()
	r.HandleLine(line(testMac + "/p/0001/e/12345"))
	require.Len(t, pub.msgs, 3)
	assert.Equal(t, base+"unit/energy", pub.msgs[1].Topic)
	assert.Equal(t, "kWh", pub.msgs[1].Payload)
	assert.Equal(t, "0.1234500000", pub.msgs[2].Payload)

	pub.reset()
	r.HandleLine(line(testMac + "/p/0001/st/1"))
	assert.Equal(t, []string{base + "timestamp/status", base + "value/status"}, pub.topics())
	assert.Equal(t, "true", pub.msgs[1].Payload)
}

func TestHandleLine_Status(t *testing.T) {
	tests := []struct {
		line  string
		topic string
		value string
	}{
		{"/m/0001/st/1", "/sensor/motion/0001/value/status", "ACTIVE"},
		{"/m/0001/st/0", "/sensor/motion/0001/value/status", "IDLE"},
		{"/f/0001/st/2", "/sensor/fall/0001/value/status", "PANIC"},
		{"/w/0009/st/1", "/sensor/water/1031/value/status", "true"},
		{"/d/0009/st/0", "/sensor/door/1032/value/status", "false"},
		{"/sm/0009/st/1", "/sensor/smoke/1033/value/status", "true"},
		{"/blb/0006/st/1", "/sensor/bulb/0006/value/switch", "true"},
		{"/blb/0006/lv/75", "/sensor/bulb/0006/value/level", "75"},
		{"/cblb/0006/hue/360", "/sensor/colorbulb/0006/value/hue", "360"},
		{"/cblb/0006/sat/0", "/sensor/colorbulb/0006/value/saturation", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r, pub, _, _ := newTestRouter()
			r.HandleLine(line(testMac + tt.line))
			require.Len(t, pub.msgs, 2)
			assert.Equal(t, testStamp, pub.msgs[0].Payload)
			assert.Equal(t, constants.TopicNodePrefix+testNode+tt.topic, pub.msgs[1].Topic)
			assert.Equal(t, tt.value, pub.msgs[1].Payload)
		})
	}
}

func TestHandleLine_Rejected(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"0:12:4b/t",
		testMac + "/t/0001/act",
		testMac + "/t/0001/act/1/2",
		testMac + "//0001/act/1",
		"0:12:4b:0:1:2:3/t/0001/act/2150",
		testMac + "/xyz/0001/act/1",
		testMac + "/t/0001/sl/1",
		testMac + "/t/0001/act/abc",
		testMac + "/w/0001/st/2",
		testMac + "/blb/0006/lv/101",
		testMac + "/cblb/0006/hue/361",
		testMac + "/f/0001/st/3",
		testMac + "/hw/0/role/x",
		testMac + "/hw/0/unknown/1",
	}
	for _, l := range lines {
		t.Run(l, func(t *testing.T) {
			r, pub, gw, _ := newTestRouter()
			r.HandleLine(line(l))
			assert.Empty(t, pub.msgs)
			assert.Empty(t, gw.commands)
		})
	}
}

func TestHandleLine_Battery(t *testing.T) {
	r, pub, _, _ := newTestRouter()
	base := constants.TopicNodePrefix + testNode + "/battery/"

	r.HandleLine(line(testMac + "/bat/0/v/300"))
	assert.Equal(t, []published{
		{base + "voltage", "3.0", 1, true},
		{base + "estimate", "100", 1, true},
	}, pub.msgs)

	pub.reset()
	r.HandleLine(line(testMac + "/bat/0/v/100"))
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "1.0", pub.msgs[0].Payload)
	assert.Equal(t, "1", pub.msgs[1].Payload)

	pub.reset()
	r.HandleLine(line(testMac + "/bat/0/est/80"))
	assert.Equal(t, []published{
		{base + "estimate", "80", 1, true},
		{base + "voltage", "3", 1, true},
	}, pub.msgs)
}

func TestBatteryEstimateClamp(t *testing.T) {
	assert.Equal(t, 100, batteryEstimate(3.6))
	assert.Equal(t, 1, batteryEstimate(1.8))
	assert.Equal(t, 1, batteryEstimate(0))
}

func TestHandleLine_CoordinatorAnnouncedOnce(t *testing.T) {
	r, pub, _, reg := newTestRouter()
	gwMAC := constants.TopicGatewayPrefix + testGateway + "/hw/zigbee/MAC"
	gwNWK := constants.TopicGatewayPrefix + testGateway + "/hw/zigbee/NWK"
	node := constants.TopicNodePrefix + testNode + "/hw/zigbee/"

	r.HandleLine(line(testMac + "/hw/0/MAC/" + testMac))
	assert.Equal(t, []string{node + "MAC"}, pub.topics())

	pub.reset()
	r.HandleLine(line(testMac + "/hw/0/role/c"))
	assert.Equal(t, []string{node + "role", gwMAC}, pub.topics())
	assert.Equal(t, "coordinator", pub.msgs[0].Payload)
	assert.Equal(t, testNode, pub.msgs[1].Payload)
	assert.True(t, reg.IsCoordinator(testNode))

	pub.reset()
	r.HandleLine(line(testMac + "/hw/0/MAC/" + testMac))
	r.HandleLine(line(testMac + "/hw/0/role/c"))
	assert.Equal(t, []string{node + "MAC", node + "role"}, pub.topics())

	pub.reset()
	r.HandleLine(line(testMac + "/hw/0/NWK/0x0000"))
	r.HandleLine(line(testMac + "/hw/0/NWK/0x0000"))
	assert.Equal(t, []string{node + "NWK", gwNWK, node + "NWK"}, pub.topics())
}

func TestHandleLine_MACFallback(t *testing.T) {
	r, pub, _, reg := newTestRouter()
	r.HandleLine(line(testMac + "/hw/0/MAC/garbage"))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "garbage", pub.msgs[0].Payload)
	mac, ok := reg.LookupMac(testNode)
	assert.True(t, ok)
	assert.Equal(t, "garbage", mac)
}

func TestHandleLine_Roles(t *testing.T) {
	for payload, want := range map[string]string{"r": "router", "e": "end device"} {
		r, pub, _, reg := newTestRouter()
		r.HandleLine(line(testMac + "/gw/0/role/" + payload))
		require.Len(t, pub.msgs, 1)
		assert.Equal(t, constants.TopicGatewayPrefix+testNode+"/hw/zigbee/role", pub.msgs[0].Topic)
		assert.Equal(t, want, pub.msgs[0].Payload)
		_, ok := reg.CoordinatorID()
		assert.False(t, ok)
	}
}

func TestHandleLine_RGBRevisionDefaults(t *testing.T) {
	r, pub, _, _ := newTestRouter()
	r.HandleLine(line(testMac + "/hw/0/rev/BULB-RGB-2"))

	base := constants.TopicNodePrefix + testNode + "/sensor/colorbulb/0006/"
	assert.Equal(t, []published{
		{constants.TopicNodePrefix + testNode + "/hw/revision", "BULB-RGB-2", 1, true},
		{base + "timestamp/switch", testStamp, 1, true},
		{base + "value/switch", "true", 1, true},
		{base + "timestamp/level", testStamp, 1, true},
		{base + "value/level", "75", 1, true},
		{base + "timestamp/hue", testStamp, 1, true},
		{base + "value/hue", "48", 1, true},
		{base + "timestamp/saturation", testStamp, 1, true},
		{base + "value/saturation", "91", 1, true},
	}, pub.msgs)
}

func TestHandleLine_GatewayRevision(t *testing.T) {
	r, pub, _, _ := newTestRouter()
	r.HandleLine(line(testMac + "/gw/0/rev/GWMB:RFMA"))

	base := constants.TopicGatewayPrefix + testNode + "/"
	assert.Equal(t, []published{
		{base + "hw/revision", "GWMB:RFMA", 1, true},
		{base + "sw/version", constants.GatewaySoftwareVersion, 1, true},
		{base + "sw/zmq_version", constants.ZmqttVersion, 1, true},
	}, pub.msgs)
}

func TestHandleLine_Version(t *testing.T) {
	r, pub, gw, _ := newTestRouter()

	r.HandleLine(line(testMac + "/gw/0/sw/v1.2.3"))
	assert.Equal(t, []string{"v1.2.3"}, gw.versions)
	require.Len(t, gw.commands, 1)
	assert.Equal(t, CommandOTA, gw.commands[0].Kind)
	assert.Equal(t, constants.AppMsgOTAStart, gw.commands[0].Body)
	assert.True(t, gw.commands[0].OTAAllowed)
	assert.Equal(t, []string{constants.TopicGatewayPrefix + testNode + "/sw/rf_version"}, pub.topics())

	pub.reset()
	r.HandleLine(line(testMac + "/hw/0/sw/0.9"))
	assert.Len(t, gw.versions, 1, "节点版本不触发网关版本检查")
	assert.Len(t, gw.commands, 2)
	assert.Equal(t, []string{constants.TopicNodePrefix + testNode + "/sw/version"}, pub.topics())
}

func TestHandleLine_PingAndChannel(t *testing.T) {
	r, pub, gw, _ := newTestRouter()

	r.HandleLine(line(testMac + "/hw/0/ping/1"))
	r.HandleLine(line(testMac + "/hw/0/chn/11"))
	assert.Zero(t, gw.pongs)
	assert.Empty(t, pub.msgs)

	r.HandleLine(line(testMac + "/gw/0/ping/1"))
	r.HandleLine(line(testMac + "/gw/0/chn/11"))
	assert.Equal(t, 1, gw.pongs)
	assert.Equal(t, []string{
		constants.TopicGatewayPrefix + testNode + "/gw/ping",
		constants.TopicGatewayPrefix + testNode + "/gw/channel",
	}, pub.topics())
}

func TestHandleLine_Diagnostics(t *testing.T) {
	r, pub, _, _ := newTestRouter()

	r.HandleLine(line(testMac + "/gw/0/lqi/0x1234,200"))
	r.HandleLine(line(testMac + "/gw/0/ieee/0x1234"))
	r.HandleLine(line(testMac + "/gw/0/heap/2048"))
	r.HandleLine(line(testMac + "/hw/0/nv_mem/12"))

	assert.Equal(t, []published{
		{constants.TopicZdoLqiResp, "0x1234,200", 2, false},
		{constants.TopicZdoIeeeResp, "0x1234", 2, false},
		{constants.TopicDiagHeap, "2048", 1, true},
		{constants.TopicDiagNvMem, "12", 1, true},
	}, pub.msgs)
}

func TestHandleLine_HardwareInfo(t *testing.T) {
	r, pub, _, _ := newTestRouter()

	r.HandleLine(line(testMac + "/hw/0/ser/SN-0042"))
	r.HandleLine(line(testMac + "/hw/3/bt/1"))
	r.HandleLine(line(testMac + "/gw/0/crc/ABCD"))

	node := constants.TopicNodePrefix + testNode
	assert.Equal(t, []published{
		{node + "/hw/serial", "SN-0042", 1, true},
		{node + "/hw/button/3", "1", 1, true},
		{node + "/sw/crc", "ABCD", 1, true},
	}, pub.msgs)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	r, pub, _, _ := newTestRouter()
	pub.err = stderrors.New("broker down")

	r.HandleLine(line(testMac + "/t/0001/act/2150"))
	assert.Len(t, pub.msgs, 3)
}

func TestCustomPublishDefaults(t *testing.T) {
	pub := &fakePublisher{}
	opts := DefaultOptions(testGateway)
	opts.DefaultQoS = 0
	opts.DefaultRetain = false
	r := New(pub, registry.New(nil), &fakeGateway{}, opts)

	r.HandleLine(line(testMac + "/hw/0/ser/1"))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, byte(0), pub.msgs[0].QoS)
	assert.False(t, pub.msgs[0].Retain)
	assert.Equal(t, testGateway, r.GatewayID())
}
