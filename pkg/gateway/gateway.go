// Package gateway 把串口协调器与MQTT总线连接起来
//
// Bridge 持有设备注册表, 路由器与连接监督器. 一个协程负责读取串口,
// 另一个协程串行执行下行命令与定时事件, 两者之外没有其它串口使用者.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/protocol"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/bujia-iot/iot-zmqtt/pkg/router"
	"github.com/bujia-iot/iot-zmqtt/pkg/supervisor"
	"github.com/sirupsen/logrus"
)

const (
	commandQueueSize   = 32
	defaultStartupWait = 1 * time.Second
)

// Transport 网关使用的串口
type Transport interface {
	supervisor.Transport
	ReadByte() (byte, error)
	ReadLine() ([]byte, error)
	ReadFull(n int) ([]byte, error)
	IsOpen() bool
}

// Bus 消息总线
type Bus interface {
	router.Publisher
	Connect() error
	Disconnect()
	IsConnected() bool
}

// BusFactory 以命令处理函数创建总线
type BusFactory func(handler func(topic string, payload []byte)) Bus

// Config 网关配置
type Config struct {
	GatewayID       string
	SettleDelay     time.Duration // 每帧发送后的等待时间
	StartupWait     time.Duration // 启动各步骤之间的等待
	DefaultQoS      byte
	DefaultRetain   bool
	SoftwareVersion string // 为空时使用内置版本号
	ZmqttVersion    string
	Supervisor      supervisor.Config
}

// Deps 外部依赖
type Deps struct {
	Transport Transport
	Bus       BusFactory
	Store     registry.Store
	Resetter  hardware.Resetter
	Panel     *hardware.Panel

	SupervisorOptions []supervisor.Option
	Sleep             func(time.Duration)
}

// Bridge 串口与MQTT之间的网关
type Bridge struct {
	cfg       Config
	transport Transport
	bus       Bus
	reg       *registry.Registry
	router    *router.Router
	sup       *supervisor.Supervisor
	panel     *hardware.Panel
	sleep     func(time.Duration)

	seq    protocol.SequenceCounter
	sendMu sync.Mutex // 相邻两帧之间至少间隔 SettleDelay

	commands   chan router.Command
	otaAllowed atomic.Bool
	sent       atomic.Uint64
	lines      atomic.Uint64

	running atomic.Bool
	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建网关, 不会打开串口或连接总线
func New(cfg Config, deps Deps) *Bridge {
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = defaultStartupWait
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	panel := deps.Panel
	if panel == nil {
		panel = hardware.NewPanel(nil, false)
	}

	b := &Bridge{
		cfg:       cfg,
		transport: deps.Transport,
		reg:       registry.New(deps.Store),
		panel:     panel,
		sleep:     sleep,
		commands:  make(chan router.Command, commandQueueSize),
	}

	supOpts := append([]supervisor.Option{supervisor.WithSleep(sleep)}, deps.SupervisorOptions...)
	b.sup = supervisor.New(cfg.Supervisor, deps.Transport, deps.Resetter, b.reg, supOpts...)

	opts := router.DefaultOptions(cfg.GatewayID)
	opts.DefaultQoS = cfg.DefaultQoS
	opts.DefaultRetain = cfg.DefaultRetain
	if cfg.SoftwareVersion != "" {
		opts.SoftwareVersion = cfg.SoftwareVersion
	}
	if cfg.ZmqttVersion != "" {
		opts.ZmqttVersion = cfg.ZmqttVersion
	}
	b.bus = deps.Bus(b.HandleCommand)
	b.router = router.New(b.bus, b.reg, b, opts)
	return b
}

// GatewayID 网关ID
func (b *Bridge) GatewayID() string {
	return b.cfg.GatewayID
}

// Registry 设备注册表
func (b *Bridge) Registry() *registry.Registry {
	return b.reg
}

// Supervisor 连接监督器
func (b *Bridge) Supervisor() *supervisor.Supervisor {
	return b.sup
}

// Start 依次打开串口, 让协调器退出引导程序, 连接总线, 发送ready并启动定时任务
//
// 只有串口打开失败会返回错误; 总线连接失败时由客户端在后台重试.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := b.transport.Open(); err != nil {
		b.running.Store(false)
		return err
	}
	if err := b.sup.StartApp(); err != nil {
		logger.WithField("error", err.Error()).Warn("退出引导程序命令发送失败")
		b.sup.Recover(err)
	}

	if err := b.bus.Connect(); err != nil {
		logger.WithField("error", err.Error()).Warn("MQTT初次连接失败, 后台重试")
	}
	b.sleep(b.cfg.StartupWait)

	if err := b.Send(constants.AppMsgReady); err != nil {
		logger.WithField("error", err.Error()).Warn("ready发送失败")
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = time.Now()

	b.wg.Add(2)
	go b.receiveLoop(ctx)
	go b.commandLoop(ctx)
	b.sup.Start()

	logger.WithFields(logrus.Fields{
		"gwid":     b.cfg.GatewayID,
		"port":     b.transport.Name(),
		"baudRate": b.transport.BaudRate(),
	}).Info("网关已启动")
	return nil
}

// Stop 停止定时任务与协程, 关闭串口并断开总线
func (b *Bridge) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.sup.Stop()
	if b.cancel != nil {
		b.cancel()
	}
	// 关闭串口使阻塞中的读取返回
	if err := b.transport.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("关闭串口失败")
	}
	b.wg.Wait()

	b.bus.Disconnect()
	b.panel.AllOff()
	logger.Info("网关已停止")
}

// Send 以应用层帧发送消息体, 序号在每次发送后递增
func (b *Bridge) Send(body string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	seq := b.seq.Next()
	frame, err := protocol.EncodeAppFrame(seq, body)
	if err != nil {
		return err
	}

	b.panel.Set(hardware.LEDActivity, hardware.ModeOn)
	_, err = b.transport.Write(frame)
	b.panel.Set(hardware.LEDActivity, hardware.ModeOff)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"body":  body,
			"error": err.Error(),
		}).Warn("串口发送失败")
		b.sup.Recover(err)
		return err
	}
	b.sent.Add(1)
	logger.WithFields(logrus.Fields{
		"seq":  seq,
		"body": body,
	}).Debug("发送串口消息")

	b.sleep(b.cfg.SettleDelay)
	return nil
}
