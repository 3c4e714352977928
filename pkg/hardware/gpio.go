// Package hardware 封装网关板上的GPIO: 协调器复位线与状态指示灯
package hardware

import (
	"sync"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/sirupsen/logrus"
	rpio "github.com/stianeikeland/go-rpio/v4"
)

// Pin 单个GPIO输出, rpio.Pin 满足该接口
type Pin interface {
	Output()
	High()
	Low()
}

var (
	openMu sync.Mutex
	opened bool
)

// Open 映射GPIO内存, 重复调用安全
func Open() error {
	openMu.Lock()
	defer openMu.Unlock()
	if opened {
		return nil
	}
	if err := rpio.Open(); err != nil {
		return err
	}
	opened = true
	logger.Info("GPIO已初始化")
	return nil
}

// Close 释放GPIO映射
func Close() {
	openMu.Lock()
	defer openMu.Unlock()
	if !opened {
		return
	}
	if err := rpio.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("释放GPIO失败")
	}
	opened = false
}

// BCMPin 返回BCM编号对应的输出引脚
func BCMPin(bcm int) Pin {
	pin := rpio.Pin(uint8(bcm))
	pin.Output()
	return pin
}

// Resetter 复位协调器
type Resetter interface {
	Pulse()
}

// ResetLine 协调器复位线: 拉低保持后释放
type ResetLine struct {
	pin   Pin
	hold  time.Duration
	sleep func(time.Duration)
}

// NewResetLine 创建复位线, hold 为拉低和释放后各自的保持时间
func NewResetLine(pin Pin, hold time.Duration) *ResetLine {
	return &ResetLine{pin: pin, hold: hold, sleep: time.Sleep}
}

// Pulse 拉低 hold, 拉高后再等待 hold
func (r *ResetLine) Pulse() {
	logger.WithField("hold", r.hold.String()).Debug("复位协调器")
	r.pin.Low()
	r.sleep(r.hold)
	r.pin.High()
	r.sleep(r.hold)
}

// NopResetter 未启用GPIO时使用
type NopResetter struct{}

// Pulse 仅记录日志
func (NopResetter) Pulse() {
	logger.Debug("GPIO未启用, 跳过复位脉冲")
}

// Mode 指示灯状态
type Mode int

const (
	ModeOff Mode = iota
	ModeOn
	ModeBlink
)

// String 返回状态名称
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "OFF"
	case ModeOn:
		return "ON"
	case ModeBlink:
		return "BLINK"
	default:
		return "UNKNOWN"
	}
}

// ParseMode 解析 OFF/ON/BLINK
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "OFF":
		return ModeOff, true
	case "ON":
		return ModeOn, true
	case "BLINK":
		return ModeBlink, true
	default:
		return ModeOff, false
	}
}

// Indicator 单个指示灯
type Indicator struct {
	pin       Pin
	activeLow bool

	mu    sync.Mutex
	mode  Mode
	stopc chan struct{}
}

// NewIndicator 创建指示灯并熄灭
func NewIndicator(pin Pin, activeLow bool) *Indicator {
	ind := &Indicator{pin: pin, activeLow: activeLow}
	ind.drive(false)
	return ind
}

func (i *Indicator) drive(on bool) {
	if on != i.activeLow {
		i.pin.High()
	} else {
		i.pin.Low()
	}
}

// stopBlinkLocked 停止闪烁协程, 调用方持有锁
func (i *Indicator) stopBlinkLocked() {
	if i.stopc != nil {
		close(i.stopc)
		i.stopc = nil
	}
}

// On 点亮
func (i *Indicator) On() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopBlinkLocked()
	i.mode = ModeOn
	i.drive(true)
}

// Off 熄灭
func (i *Indicator) Off() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopBlinkLocked()
	i.mode = ModeOff
	i.drive(false)
}

// Blink 以 on/off 周期闪烁, 直到下一次 On/Off
func (i *Indicator) Blink(on, off time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopBlinkLocked()
	i.mode = ModeBlink
	stopc := make(chan struct{})
	i.stopc = stopc

	go func() {
		lit := true
		for {
			i.mu.Lock()
			select {
			case <-stopc:
				i.mu.Unlock()
				return
			default:
			}
			i.drive(lit)
			i.mu.Unlock()

			wait := on
			if !lit {
				wait = off
			}
			timer := time.NewTimer(wait)
			select {
			case <-stopc:
				timer.Stop()
				return
			case <-timer.C:
			}
			lit = !lit
		}
	}()
}

// Mode 当前状态
func (i *Indicator) Mode() Mode {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mode
}

// 常用指示灯编号
const (
	LEDActivity = "1" // 串口收发
	LEDDownload = "5" // 软件下载
)

// DefaultBlinkPeriod 网关led主题BLINK时的亮/灭时长
const DefaultBlinkPeriod = 1000 * time.Millisecond

// Panel 按编号管理指示灯; 未配置的编号被忽略
type Panel struct {
	leds map[string]*Indicator
}

// NewPanel 由编号 -> 引脚创建指示灯组
func NewPanel(pins map[string]Pin, activeLow bool) *Panel {
	p := &Panel{leds: make(map[string]*Indicator, len(pins))}
	for id, pin := range pins {
		p.leds[id] = NewIndicator(pin, activeLow)
	}
	return p
}

// NewBCMPanel 由配置中的BCM编号创建指示灯组
func NewBCMPanel(bcmPins map[string]int, activeLow bool) *Panel {
	pins := make(map[string]Pin, len(bcmPins))
	for id, bcm := range bcmPins {
		pins[id] = BCMPin(bcm)
	}
	return NewPanel(pins, activeLow)
}

// Set 设置指示灯状态, 编号未知时返回 false
func (p *Panel) Set(id string, mode Mode) bool {
	if p == nil {
		return false
	}
	led, ok := p.leds[id]
	if !ok {
		logger.WithFields(logrus.Fields{
			"led":  id,
			"mode": mode.String(),
		}).Debug("未配置的指示灯")
		return false
	}
	switch mode {
	case ModeOn:
		led.On()
	case ModeBlink:
		led.Blink(DefaultBlinkPeriod, DefaultBlinkPeriod)
	default:
		led.Off()
	}
	return true
}

// Modes 返回全部指示灯状态
func (p *Panel) Modes() map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	for id, led := range p.leds {
		out[id] = led.Mode().String()
	}
	return out
}

// AllOff 熄灭全部指示灯, 退出时调用
func (p *Panel) AllOff() {
	if p == nil {
		return
	}
	for _, led := range p.leds {
		led.Off()
	}
}
