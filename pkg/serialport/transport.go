// Package serialport 提供基于 go.bug.st/serial 的串口传输层
//
// Transport 只允许一个读取方; 写入以及"写请求-读响应"交换由互斥锁串行化,
// 串口句柄可以在读取阻塞期间被关闭并重新打开.
package serialport

import (
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrReadTimeout 在读取超时内未收到任何字节
var ErrReadTimeout = errors.New(errors.ErrFrameTimeout, "串口读取超时")

// ErrNotOpen 串口未打开
var ErrNotOpen = errors.New(errors.ErrTransportNotOpen, "串口未打开")

// Port 串口句柄需要实现的最小接口, serial.Port 满足该接口
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener 打开串口的函数, 测试中可替换
type Opener func(name string, baudRate int) (Port, error)

// OpenSerial 使用 go.bug.st/serial 打开 8N1 串口
func OpenSerial(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Config 串口传输配置
type Config struct {
	Name        string
	BaudRate    int
	ReadTimeout time.Duration
	Opener      Opener
}

// Transport 串口传输
type Transport struct {
	cfg Config

	portMu sync.RWMutex // 保护port句柄
	port   Port

	txMu sync.Mutex // 串行化写入与请求响应交换

	statsMu    sync.Mutex
	bytesIn    uint64
	bytesOut   uint64
	reopens    uint64
	lastOpened time.Time
}

// New 创建串口传输, 不会立即打开串口
func New(cfg Config) *Transport {
	if cfg.Opener == nil {
		cfg.Opener = OpenSerial
	}
	return &Transport{cfg: cfg}
}

// Name 串口设备路径
func (t *Transport) Name() string {
	return t.cfg.Name
}

// BaudRate 波特率
func (t *Transport) BaudRate() int {
	return t.cfg.BaudRate
}

// Open 打开串口; 已打开时直接返回
func (t *Transport) Open() error {
	t.portMu.Lock()
	defer t.portMu.Unlock()

	if t.port != nil {
		return nil
	}
	return t.openLocked()
}

func (t *Transport) openLocked() error {
	port, err := t.cfg.Opener(t.cfg.Name, t.cfg.BaudRate)
	if err != nil {
		return errors.Wrap(errors.ErrTransportOpenFailed,
			fmt.Sprintf("打开串口 %s 失败", t.cfg.Name), err)
	}
	if t.cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(t.cfg.ReadTimeout); err != nil {
			_ = port.Close()
			return errors.Wrap(errors.ErrTransportOpenFailed, "设置读取超时失败", err)
		}
	}
	t.port = port

	t.statsMu.Lock()
	t.lastOpened = time.Now()
	t.statsMu.Unlock()

	logger.WithFields(logrus.Fields{
		"port":        t.cfg.Name,
		"baudRate":    t.cfg.BaudRate,
		"readTimeout": t.cfg.ReadTimeout.String(),
	}).Info("串口已打开")
	return nil
}

// Close 关闭串口, 阻塞中的读取会返回错误
func (t *Transport) Close() error {
	t.portMu.Lock()
	defer t.portMu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	logger.WithField("port", t.cfg.Name).Info("串口已关闭")
	return err
}

// Reopen 以相同的设备路径与波特率重新打开串口
func (t *Transport) Reopen() error {
	t.portMu.Lock()
	defer t.portMu.Unlock()

	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
	}

	t.statsMu.Lock()
	t.reopens++
	t.statsMu.Unlock()

	return t.openLocked()
}

// IsOpen 串口是否已打开
func (t *Transport) IsOpen() bool {
	t.portMu.RLock()
	defer t.portMu.RUnlock()
	return t.port != nil
}

func (t *Transport) current() Port {
	t.portMu.RLock()
	defer t.portMu.RUnlock()
	return t.port
}

// Write 写入一段完整数据
func (t *Transport) Write(p []byte) (int, error) {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	return t.write(p)
}

func (t *Transport) write(p []byte) (int, error) {
	port := t.current()
	if port == nil {
		return 0, ErrNotOpen
	}

	n, err := port.Write(p)
	t.addOut(n)
	if err != nil {
		return n, errors.Wrap(errors.ErrTransportIO, "串口写入失败", err)
	}
	logger.HexDump("串口发送", p)
	return n, nil
}

// ReadByte 读取一个字节, 超时返回 ErrReadTimeout
func (t *Transport) ReadByte() (byte, error) {
	port := t.current()
	if port == nil {
		return 0, ErrNotOpen
	}

	var buf [1]byte
	n, err := port.Read(buf[:])
	if n == 1 {
		t.addIn(1)
		return buf[0], nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrTransportIO, "串口读取失败", err)
	}
	return 0, ErrReadTimeout
}

// ReadLine 读取直到 '\n' (包含) 或超时; 超时时返回已读取的部分
func (t *Transport) ReadLine() ([]byte, error) {
	var line []byte
	for {
		b, err := t.ReadByte()
		if err != nil {
			if stderrors.Is(err, ErrReadTimeout) {
				return line, nil
			}
			return line, err
		}
		line = append(line, b)
		if b == '\n' {
			return line, nil
		}
	}
}

// ReadFull 读取n个字节
func (t *Transport) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		b, err := t.ReadByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// Exchange 在持有发送锁期间写入请求并读取响应
func (t *Transport) Exchange(request []byte, readResponse func(r io.ByteReader) error) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	if _, err := t.write(request); err != nil {
		return err
	}
	return readResponse(t)
}

// IsTransportError 判断错误是否需要重新打开串口
func IsTransportError(err error) bool {
	return errors.IsErrCode(err, errors.ErrTransportIO) || errors.IsErrCode(err, errors.ErrTransportNotOpen)
}

// Stats 传输统计
type Stats struct {
	Port       string    `json:"port"`
	BaudRate   int       `json:"baudRate"`
	Open       bool      `json:"open"`
	BytesIn    uint64    `json:"bytesIn"`
	BytesOut   uint64    `json:"bytesOut"`
	Reopens    uint64    `json:"reopens"`
	LastOpened time.Time `json:"lastOpened"`
}

// Stats 返回统计快照
func (t *Transport) Stats() Stats {
	open := t.IsOpen()
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return Stats{
		Port:       t.cfg.Name,
		BaudRate:   t.cfg.BaudRate,
		Open:       open,
		BytesIn:    t.bytesIn,
		BytesOut:   t.bytesOut,
		Reopens:    t.reopens,
		LastOpened: t.lastOpened,
	}
}

func (t *Transport) addIn(n int) {
	t.statsMu.Lock()
	t.bytesIn += uint64(n)
	t.statsMu.Unlock()
}

func (t *Transport) addOut(n int) {
	if n <= 0 {
		return
	}
	t.statsMu.Lock()
	t.bytesOut += uint64(n)
	t.statsMu.Unlock()
}
