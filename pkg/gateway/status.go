package gateway

import (
	"time"

	"github.com/bujia-iot/iot-zmqtt/pkg/bus"
	"github.com/bujia-iot/iot-zmqtt/pkg/serialport"
)

// Status 网关运行状态
type Status struct {
	GatewayID     string            `json:"gatewayId"`
	Running       bool              `json:"running"`
	StartedAt     time.Time         `json:"startedAt"`
	Uptime        string            `json:"uptime"`
	SerialPort    string            `json:"serialPort"`
	SerialOpen    bool              `json:"serialOpen"`
	BusConnected  bool              `json:"busConnected"`
	Coordinator   string            `json:"coordinator,omitempty"`
	Devices       int               `json:"devices"`
	FramesSent    uint64            `json:"framesSent"`
	LinesReceived uint64            `json:"linesReceived"`
	OTAAllowed    bool              `json:"otaAllowed"`
	Updating      bool              `json:"updating"`
	Updates       uint64            `json:"firmwareUpdates"`
	PongResets    uint64            `json:"pongResets"`
	LEDs          map[string]string `json:"leds"`
	Serial        *serialport.Stats `json:"serial,omitempty"`
	Bus           *bus.Stats        `json:"bus,omitempty"`
}

type serialStater interface {
	Stats() serialport.Stats
}

type busStater interface {
	Stats() bus.Stats
}

// Status 返回状态快照
func (b *Bridge) Status() Status {
	st := Status{
		GatewayID:     b.cfg.GatewayID,
		Running:       b.running.Load(),
		StartedAt:     b.started,
		SerialPort:    b.transport.Name(),
		SerialOpen:    b.transport.IsOpen(),
		BusConnected:  b.bus.IsConnected(),
		Devices:       b.reg.Len(),
		FramesSent:    b.sent.Load(),
		LinesReceived: b.lines.Load(),
		OTAAllowed:    b.otaAllowed.Load(),
		Updating:      b.sup.Suspended(),
		Updates:       b.sup.Updates(),
		PongResets:    b.sup.PongResets(),
		LEDs:          b.panel.Modes(),
	}
	if !b.started.IsZero() && st.Running {
		st.Uptime = time.Since(b.started).Truncate(time.Second).String()
	}
	if id, ok := b.reg.CoordinatorID(); ok {
		st.Coordinator = id
	}
	if s, ok := b.transport.(serialStater); ok {
		stats := s.Stats()
		st.Serial = &stats
	}
	if s, ok := b.bus.(busStater); ok {
		stats := s.Stats()
		st.Bus = &stats
	}
	return st
}
