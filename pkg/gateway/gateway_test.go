package gateway

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/bootloader"
	"github.com/bujia-iot/iot-zmqtt/pkg/bootloader/sblsim"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/protocol"
	"github.com/bujia-iot/iot-zmqtt/pkg/serialport"
	"github.com/bujia-iot/iot-zmqtt/pkg/supervisor"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGateway = "b827eb010203"
	testMac     = "0:12:4b:0:1:2:3:4"
	testNode    = "00124b0001020304"
	waitFor     = 2 * time.Second
	tick        = 2 * time.Millisecond
)

// wire 串口另一端: 向网关输入字节并记录网关写出的数据
type wire struct {
	in chan byte

	mu     sync.Mutex
	writes [][]byte
	opens  int
}

func newWire() *wire {
	return &wire{in: make(chan byte, 4096)}
}

func (w *wire) open(string, int) (serialport.Port, error) {
	w.mu.Lock()
	w.opens++
	w.mu.Unlock()
	return &fakePort{w: w, closed: make(chan struct{}), timeout: 10 * time.Millisecond}, nil
}

func (w *wire) feed(s string) {
	for i := 0; i < len(s); i++ {
		w.in <- s[i]
	}
}

func (w *wire) raw() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.writes...)
}

// bodies 解码写出的应用层帧, 单字节控制码被跳过
func (w *wire) bodies(t *testing.T) []string {
	var out []string
	for _, frame := range w.raw() {
		if len(frame) == 1 {
			continue
		}
		_, body, err := protocol.DecodeAppFrame(frame)
		require.NoError(t, err)
		out = append(out, body)
	}
	return out
}

func (w *wire) controlBytes() []byte {
	var out []byte
	for _, frame := range w.raw() {
		if len(frame) == 1 {
			out = append(out, frame[0])
		}
	}
	return out
}

type fakePort struct {
	w       *wire
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case c := <-p.w.in:
		b[0] = c
		return 1, nil
	case <-p.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.w.mu.Lock()
	p.w.writes = append(p.w.writes, append([]byte(nil), b...))
	p.w.mu.Unlock()
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

type busMessage struct {
	topic   string
	payload string
}

type fakeBus struct {
	mu        sync.Mutex
	handler   func(topic string, payload []byte)
	msgs      []busMessage
	connected bool
}

func (f *fakeBus) Publish(topic, payload string, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, busMessage{topic, payload})
	return nil
}

func (f *fakeBus) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeBus) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBus) has(topic, payload string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.topic == topic && m.payload == payload {
			return true
		}
	}
	return false
}

func (f *fakeBus) command(topic, payload string) {
	f.handler(topic, []byte(payload))
}

type harness struct {
	bridge *Bridge
	wire   *wire
	bus    *fakeBus
	sim    *sblsim.Simulator
	dir    string
	panel  *hardware.Panel
}

type nopPin struct{}

func (nopPin) Output() {}
func (nopPin) High()   {}
func (nopPin) Low()    {}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		wire: newWire(),
		bus:  &fakeBus{},
		sim:  sblsim.New(4096),
		dir:  t.TempDir(),
		panel: hardware.NewPanel(map[string]hardware.Pin{
			hardware.LEDActivity: nopPin{},
			hardware.LEDDownload: nopPin{},
		}, true),
	}

	transport := serialport.New(serialport.Config{
		Name:        "/dev/ttyTEST",
		BaudRate:    115200,
		ReadTimeout: 10 * time.Millisecond,
		Opener:      h.wire.open,
	})
	cfg := Config{
		GatewayID:     testGateway,
		StartupWait:   time.Millisecond,
		DefaultQoS:    constants.DefaultPublishQoS,
		DefaultRetain: constants.DefaultPublishRetain,
		Supervisor: supervisor.Config{
			PingInterval:     time.Hour,
			PongTimeout:      time.Hour,
			CoordinatorCheck: time.Hour,
			ReopenDelay:      time.Millisecond,
			ImageDir:         h.dir,
			ImageFile:        "GWMC.bin",
			VersionFile:      "gw_version.txt",
		},
	}
	h.bridge = New(cfg, Deps{
		Transport: transport,
		Bus: func(handler func(string, []byte)) Bus {
			h.bus.handler = handler
			return h.bus
		},
		Panel: h.panel,
		SupervisorOptions: []supervisor.Option{
			supervisor.WithBootLinkFactory(func(string, int) (supervisor.BootLink, error) { return h.sim, nil }),
			supervisor.WithBootloaderOptions(bootloader.WithRetryDelay(0)),
		},
		Sleep: func(time.Duration) { time.Sleep(time.Millisecond) },
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.bridge.Start(context.Background()))
	t.Cleanup(h.bridge.Stop)
}

func testImage() []byte {
	image := make([]byte, 2*constants.SBLChunkSize+10)
	for i := range image {
		image[i] = byte(i*3 + 1)
	}
	return image
}

func TestStartSequence(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.Equal(t, 1, h.wire.opens)
	raw := h.wire.raw()
	require.GreaterOrEqual(t, len(raw), 2)
	assert.Equal(t, []byte{constants.SBLForceRun}, raw[0])
	seq, body, err := protocol.DecodeAppFrame(raw[1])
	require.NoError(t, err)
	assert.Equal(t, uint8(0), seq)
	assert.Equal(t, constants.AppMsgReady, body)
	assert.True(t, h.bus.IsConnected())

	st := h.bridge.Status()
	assert.True(t, st.Running)
	assert.True(t, st.SerialOpen)
	assert.Equal(t, testGateway, st.GatewayID)
	assert.Equal(t, uint64(1), st.FramesSent)
	require.NotNil(t, st.Serial)
	assert.Nil(t, st.Bus)

	h.bridge.Stop()
	assert.False(t, h.bus.IsConnected())
	assert.False(t, h.bridge.Status().Running)
}

func TestInboundLinePublished(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.wire.feed(testMac + "/t/0001/act/2150\r\n")

	topic := constants.TopicNodePrefix + testNode + "/sensor/temperature/0001/value/actual"
	require.Eventually(t, func() bool { return h.bus.has(topic, "21.5") }, waitFor, tick)
	assert.Equal(t, uint64(1), h.bridge.Status().LinesReceived)
}

func TestMTMessageSkipped(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// FE LEN=2 后跟 2+3 个字节
	h.wire.feed("\xfe\x02\x61\x01\x02\x03\x04")
	h.wire.feed(testMac + "/h/0002/act/4550\r\n")

	topic := constants.TopicNodePrefix + testNode + "/sensor/humidity/0002/value/actual"
	require.Eventually(t, func() bool { return h.bus.has(topic, "45.5") }, waitFor, tick)
	assert.Equal(t, uint64(1), h.bridge.Status().LinesReceived)
}

func TestFirstReadyLogged(t *testing.T) {
	hook := test.NewLocal(logger.GetLogger())
	defer hook.Reset()

	h := newHarness(t)
	h.start(t)
	h.wire.feed("\n")

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "收到首个ready消息" && e.Level == logrus.InfoLevel {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestCommandsReachSerial(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.command("smarthome/gateway/"+testGateway+"/hw/ping/0", "ping")
	h.bus.command("smarthome/node/"+testNode+"/hw/zigbee/service", "ON")
	h.bus.command("smarthome/node/"+testNode+"/sensor/power/0001/switch/status", "banana")

	require.Eventually(t, func() bool { return len(h.wire.bodies(t)) == 3 }, waitFor, tick)
	assert.Equal(t, []string{
		constants.AppMsgReady,
		constants.AppMsgPing,
		testMac + "/hw/0/srv/1",
	}, h.wire.bodies(t))
}

func TestOTAFlag(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.command("smarthome/gateway/"+testGateway+"/hw/ota/0", "START")
	require.Eventually(t, h.bridge.OTAAllowed, waitFor, tick)

	h.bus.command("smarthome/gateway/"+testGateway+"/hw/ota/0", "STOP")
	require.Eventually(t, func() bool { return !h.bridge.OTAAllowed() }, waitFor, tick)
	assert.Equal(t, []string{constants.AppMsgReady, constants.AppMsgOTAStart, constants.AppMsgOTAStop}, h.wire.bodies(t))
}

func TestLEDAndLogLevelCommands(t *testing.T) {
	prev := logger.GetLevel()
	t.Cleanup(func() { logger.SetLevel(prev) })

	h := newHarness(t)
	h.start(t)

	h.bus.command("smarthome/gateway/"+testGateway+"/hw/swdl/0", "START")
	require.Eventually(t, func() bool { return h.panel.Modes()[hardware.LEDDownload] == "ON" }, waitFor, tick)

	h.bus.command(constants.TopicLogLevelZmqtt, "3")
	require.Eventually(t, func() bool { return logger.GetLevel() == logrus.ErrorLevel }, waitFor, tick)
}

func TestGatewayVersionTriggersUpdate(t *testing.T) {
	h := newHarness(t)
	image := testImage()
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "gw_version.txt"), []byte("v1.1.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "GWMC.bin"), image, 0o644))
	h.start(t)

	h.wire.feed(testMac + "/gw/0/sw/v1.0.0\r\n")

	require.Eventually(t, func() bool { return len(h.wire.bodies(t)) == 3 }, waitFor, tick)
	assert.Equal(t, []string{constants.AppMsgReady, constants.AppMsgReady, constants.AppMsgOTAStart}, h.wire.bodies(t))
	assert.Equal(t, image, h.sim.Memory(len(image)))
	assert.Equal(t, []byte{constants.SBLForceRun, constants.SBLForceRun}, h.wire.controlBytes())
	assert.Equal(t, 2, h.wire.opens)

	st := h.bridge.Status()
	assert.Equal(t, uint64(1), st.Updates)
	assert.False(t, st.Updating)
	assert.True(t, st.SerialOpen)

	// 同一进程内不再检查
	h.wire.feed(testMac + "/gw/0/sw/v1.0.0\r\n")
	require.Eventually(t, func() bool { return len(h.wire.bodies(t)) == 4 }, waitFor, tick)
	assert.Equal(t, uint64(1), h.bridge.Status().Updates)
}

func TestFlashCommand(t *testing.T) {
	h := newHarness(t)
	image := testImage()
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "node.bin"), image, 0o644))
	h.start(t)

	h.bus.command("smarthome/gateway/"+testGateway+"/hw/sbl/0", "node.bin")

	require.Eventually(t, func() bool { return len(h.wire.bodies(t)) == 2 }, waitFor, tick)
	assert.Equal(t, image, h.sim.Memory(len(image)))
	assert.NotZero(t, h.sim.Counters().Reads)
	assert.Equal(t, 1, h.sim.Counters().Enables)
	assert.Equal(t, constants.AppMsgReady, h.wire.bodies(t)[1])
	require.Eventually(t, func() bool { return h.panel.Modes()[hardware.LEDDownload] == "OFF" }, waitFor, tick)
}

func TestStartFailsWhenSerialUnavailable(t *testing.T) {
	transport := serialport.New(serialport.Config{
		Name:     "/dev/ttyMISSING",
		BaudRate: 115200,
		Opener: func(string, int) (serialport.Port, error) {
			return nil, os.ErrNotExist
		},
	})
	b := New(Config{GatewayID: testGateway}, Deps{
		Transport: transport,
		Bus:       func(func(string, []byte)) Bus { return &fakeBus{} },
	})

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsErrCode(err, errors.ErrTransportOpenFailed))
	assert.False(t, b.Status().Running)
	b.Stop()
}

func TestResolveGatewayID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "eth0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "eth0", "address"), []byte("B8:27:EB:1:2:3\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bad0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad0", "address"), []byte("not-a-mac\n"), 0o644))

	id, err := ResolveGatewayID("", "eth0", root)
	require.NoError(t, err)
	assert.Equal(t, testGateway, id)

	id, err = ResolveGatewayID(" AABBCCDDEEFF ", "eth0", root)
	require.NoError(t, err)
	assert.Equal(t, "aabbccddeeff", id)

	_, err = ResolveGatewayID("", "wlan9", root)
	assert.True(t, errors.IsErrCode(err, errors.ErrGatewayIDUnavailable))

	_, err = ResolveGatewayID("", "bad0", root)
	assert.True(t, errors.IsErrCode(err, errors.ErrGatewayIDUnavailable))
}
