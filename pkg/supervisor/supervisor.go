// Package supervisor 负责串口连接的保活与恢复
//
// 包括: 传输错误后重新打开串口, 周期ping与pong超时复位, 启动后的协调器检查,
// 以及网关微控制器固件版本检查与升级. 升级期间串口由升级流程独占, 重连与ping暂停.
package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/bootloader"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/scheduler"
	"github.com/bujia-iot/iot-zmqtt/pkg/serialport"
	"github.com/sirupsen/logrus"
)

// 定时事件类型
const (
	EventPing             scheduler.EventType = "ping"
	EventPongDeadline     scheduler.EventType = "pong-deadline"
	EventCoordinatorCheck scheduler.EventType = "coordinator-check"
)

const (
	appStartDelay   = 1 * time.Second        // FORCE_RUN 之后等待应用程序启动
	readyAfterReset = 500 * time.Millisecond // 升级后复位到发送ready之间的等待
)

// Transport 运行时串口
type Transport interface {
	Open() error
	Close() error
	Reopen() error
	Write(p []byte) (int, error)
	Name() string
	BaudRate() int
}

// Sender 以应用层帧发送一条消息体
type Sender interface {
	Send(body string) error
}

// CoordinatorSource 协调器身份来源
type CoordinatorSource interface {
	CoordinatorID() (string, bool)
}

// BootLink 升级时使用的独立串口链路
type BootLink interface {
	bootloader.Link
	Close() error
}

// BootLinkFactory 打开一条引导程序链路
type BootLinkFactory func(name string, baudRate int) (BootLink, error)

// SerialBootLink 以引导程序读取超时打开 go.bug.st/serial 串口
func SerialBootLink(opener serialport.Opener) BootLinkFactory {
	return func(name string, baudRate int) (BootLink, error) {
		t := serialport.New(serialport.Config{
			Name:        name,
			BaudRate:    baudRate,
			ReadTimeout: constants.SBLReadTimeout,
			Opener:      opener,
		})
		if err := t.Open(); err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Config 监督器配置
type Config struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	CoordinatorCheck time.Duration
	ReopenDelay      time.Duration

	ImageDir     string
	ImageFile    string
	VersionFile  string
	DumpReadback bool
}

// Supervisor 连接监督器
type Supervisor struct {
	cfg       Config
	transport Transport
	resetter  hardware.Resetter
	coord     CoordinatorSource
	bootLink  BootLinkFactory
	bootOpts  []bootloader.Option
	sleep     func(time.Duration)

	events     chan scheduler.Event
	ping       *scheduler.Task
	pongCheck  *scheduler.Task
	coordCheck *scheduler.Task

	// 看门狗状态
	wdMu       sync.Mutex
	pong       bool
	pongResets uint64

	suspended      atomic.Bool
	versionChecked atomic.Bool
	updateMu       sync.Mutex
	updates        atomic.Uint64

	recoverMu  sync.Mutex
	lastReopen time.Time
}

// Option 监督器选项
type Option func(*Supervisor)

// WithBootLinkFactory 替换升级时的链路工厂
func WithBootLinkFactory(f BootLinkFactory) Option {
	return func(s *Supervisor) { s.bootLink = f }
}

// WithBootloaderOptions 追加引导程序会话选项
func WithBootloaderOptions(opts ...bootloader.Option) Option {
	return func(s *Supervisor) { s.bootOpts = append(s.bootOpts, opts...) }
}

// WithSleep 替换等待函数
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Supervisor) { s.sleep = sleep }
}

// New 创建监督器, resetter 为nil时使用 hardware.NopResetter
func New(cfg Config, transport Transport, resetter hardware.Resetter, coord CoordinatorSource, opts ...Option) *Supervisor {
	if resetter == nil {
		resetter = hardware.NopResetter{}
	}
	s := &Supervisor{
		cfg:       cfg,
		transport: transport,
		resetter:  resetter,
		coord:     coord,
		bootLink:  SerialBootLink(nil),
		sleep:     time.Sleep,
		events:    make(chan scheduler.Event, 4),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ping = scheduler.NewRepeating(EventPing, cfg.PingInterval, s.events)
	s.pongCheck = scheduler.NewOneShot(EventPongDeadline, cfg.PongTimeout, s.events)
	s.coordCheck = scheduler.NewOneShot(EventCoordinatorCheck, cfg.CoordinatorCheck, s.events)
	return s
}

// Events 定时事件, 由网关的命令协程消费并交回 HandleEvent
func (s *Supervisor) Events() <-chan scheduler.Event {
	return s.events
}

// Start 启动ping周期任务与协调器检查
func (s *Supervisor) Start() {
	s.ping.Start()
	s.coordCheck.Start()

	logger.WithFields(logrus.Fields{
		"pingInterval":     s.cfg.PingInterval.String(),
		"pongTimeout":      s.cfg.PongTimeout.String(),
		"coordinatorCheck": s.cfg.CoordinatorCheck.String(),
	}).Info("连接监督已启动")
}

// Stop 取消全部定时任务
func (s *Supervisor) Stop() {
	s.ping.Cancel()
	s.pongCheck.Cancel()
	s.coordCheck.Cancel()
	logger.Info("连接监督已停止")
}

// HandleEvent 处理一个定时事件
func (s *Supervisor) HandleEvent(ev scheduler.Event, sender Sender) {
	switch ev.Type {
	case EventPing:
		if s.Suspended() {
			logger.Debug("升级进行中, 跳过ping")
			return
		}
		logger.Debug("发送ping")
		if err := sender.Send(constants.AppMsgPing); err != nil {
			logger.WithField("error", err.Error()).Warn("ping发送失败")
		}
		s.pongCheck.Restart()

	case EventPongDeadline:
		if s.Suspended() {
			return
		}
		s.checkPong()

	case EventCoordinatorCheck:
		if _, ok := s.coord.CoordinatorID(); !ok {
			logger.WithField("after", s.cfg.CoordinatorCheck.String()).Info("协调器未在启动后上报身份")
		}

	default:
		logger.WithField("event", ev.Type).Warn("未知的定时事件")
	}
}

// PongReceived 记录收到ping响应
func (s *Supervisor) PongReceived() {
	s.wdMu.Lock()
	s.pong = true
	s.wdMu.Unlock()
}

// checkPong 已收到响应时清除标记, 否则复位协调器进入引导程序
func (s *Supervisor) checkPong() {
	s.wdMu.Lock()
	received := s.pong
	s.pong = false
	if !received {
		s.pongResets++
	}
	s.wdMu.Unlock()

	if received {
		logger.Debug("收到ping响应")
		return
	}
	logger.Warn("ping响应超时, 复位协调器")
	s.ResetBootloader()
}

// PongResets 因ping超时触发的复位次数
func (s *Supervisor) PongResets() uint64 {
	s.wdMu.Lock()
	defer s.wdMu.Unlock()
	return s.pongResets
}

// Suspend 暂停重连与ping
func (s *Supervisor) Suspend() {
	s.suspended.Store(true)
}

// Resume 恢复重连与ping
func (s *Supervisor) Resume() {
	s.suspended.Store(false)
}

// Suspended 是否处于暂停状态
func (s *Supervisor) Suspended() bool {
	return s.suspended.Load()
}

// Recover 处理读写错误; 传输错误时等待后以相同参数重新打开串口
//
// 暂停期间只等待不重连. 返回值表示错误是否属于传输错误.
func (s *Supervisor) Recover(err error) bool {
	if err == nil || !serialport.IsTransportError(err) {
		return false
	}

	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	s.sleep(s.cfg.ReopenDelay)
	if s.Suspended() {
		return true
	}
	// 另一方刚刚完成重连, 本次错误来自旧句柄
	if !s.lastReopen.IsZero() && time.Since(s.lastReopen) < 2*s.cfg.ReopenDelay {
		return true
	}

	log := logger.WithFields(logrus.Fields{
		"port":     s.transport.Name(),
		"baudRate": s.transport.BaudRate(),
		"cause":    err.Error(),
	})
	if rerr := s.transport.Reopen(); rerr != nil {
		log.WithField("error", rerr.Error()).Error("重新打开串口失败")
		return true
	}
	s.lastReopen = time.Now()
	log.Warn("串口已重新打开")
	return true
}

// ResetBootloader 复位协调器, 复位后停留在引导程序
func (s *Supervisor) ResetBootloader() {
	s.resetter.Pulse()
	logger.Info("协调器已复位")
}

// ResetApp 复位协调器并发送 FORCE_RUN 进入应用程序
func (s *Supervisor) ResetApp() {
	s.ResetBootloader()

	if _, err := s.transport.Write([]byte{constants.SBLForceRun}); err != nil {
		logger.WithField("error", err.Error()).Warn("FORCE_RUN发送失败")
		s.Recover(err)
	} else {
		logger.Info("已发送退出引导程序命令")
	}
	s.sleep(appStartDelay)
}

// StartApp 打开串口后的首个动作: 发送 FORCE_RUN 并等待应用程序启动
func (s *Supervisor) StartApp() error {
	if _, err := s.transport.Write([]byte{constants.SBLForceRun}); err != nil {
		return err
	}
	logger.Info("已发送退出引导程序命令")
	s.sleep(appStartDelay)
	return nil
}

// Updates 已执行的固件刷写次数
func (s *Supervisor) Updates() uint64 {
	return s.updates.Load()
}
