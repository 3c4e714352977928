package bootloader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/bujia-iot/iot-zmqtt/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Link 引导程序使用的串口链路, serialport.Transport 满足该接口
type Link interface {
	Write(p []byte) (int, error)
	Exchange(request []byte, readResponse func(r io.ByteReader) error) error
}

// Session 一次引导程序会话
//
// 同一时刻只能有一个调用方使用 Session, 链路在会话期间由其独占.
type Session struct {
	link   Link
	config Config
	log    logrus.FieldLogger
	start  time.Time
}

// New 创建会话
func New(link Link, opts ...Option) *Session {
	if link == nil {
		panic("bootloader link cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{
		link:   link,
		config: cfg,
		log:    cfg.Logger.WithField("component", "sbl"),
		start:  time.Now(),
	}
}

// Handshake 复位设备并反复握手直到引导程序响应OK
//
// 每次尝试前先发送 FORCE_BOOT; 全部失败时返回 *HandshakeExhaustedError.
func (s *Session) Handshake(ctx context.Context) error {
	s.start = time.Now()
	s.report(PhaseHandshake, 0, 0)

	if s.config.Resetter != nil {
		s.config.Resetter.Pulse()
	}
	if err := s.forceBoot(); err != nil {
		return err
	}

	attempts := s.config.HandshakeRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("handshake cancelled: %w", err)
		}
		if err := s.forceBoot(); err != nil {
			return err
		}

		_, err := s.request(constants.SBLHandshakeReq, nil, constants.SBLHandshakeResp, constants.SBLHandshakeRespLen, "handshake")
		if err == nil {
			s.log.WithField("attempt", attempt).Info("引导程序握手成功")
			return nil
		}
		if isLinkError(err) {
			return err
		}

		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     attempts,
		}).Info("等待引导程序响应...")
		if err := s.sleep(ctx, s.config.RetryDelay); err != nil {
			return fmt.Errorf("handshake cancelled: %w", err)
		}
	}

	s.log.WithField("attempts", attempts).Error("引导程序握手失败")
	return &HandshakeExhaustedError{Attempts: attempts}
}

// WriteImage 以64字节分块写入镜像, 地址以字为单位递增
//
// 单块写入返回非OK状态时只记录日志并继续, 链路错误会中止写入.
func (s *Session) WriteImage(ctx context.Context, image []byte) error {
	var address uint16
	total := len(image)

	for offset := 0; offset < total; offset += constants.SBLChunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("write cancelled: %w", err)
		}
		end := offset + constants.SBLChunkSize
		if end > total {
			end = total
		}
		chunk := image[offset:end]

		payload, err := protocol.EncodeSBLPayload(protocol.NewSBLWriteRequest(address, chunk))
		if err != nil {
			return err
		}
		if _, err := s.request(constants.SBLWriteReq, payload, constants.SBLWriteResp, constants.SBLWriteRespLen, "write"); err != nil {
			if isLinkError(err) {
				return err
			}
			s.log.WithFields(logrus.Fields{
				"address": fmt.Sprintf("0x%04x", address),
				"error":   err.Error(),
			}).Debug("写入失败")
		}

		address += uint16(len(chunk) / constants.SBLWordSize)
		s.report(PhaseWriting, end, total)
	}
	return nil
}

// ReadImage 从地址0开始回读 size 字节
func (s *Session) ReadImage(ctx context.Context, size int) ([]byte, error) {
	return s.readTo(ctx, size, PhaseReading)
}

func (s *Session) readTo(ctx context.Context, size int, phase Phase) ([]byte, error) {
	var address uint16
	out := make([]byte, 0, size)

	for len(out) < size {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("read cancelled: %w", err)
		}
		n := size - len(out)
		if n > constants.SBLChunkSize {
			n = constants.SBLChunkSize
		}

		payload, err := protocol.EncodeSBLPayload(&protocol.SBLReadRequest{Address: address})
		if err != nil {
			return out, err
		}
		resp, err := s.request(constants.SBLReadReq, payload, constants.SBLReadResp, constants.SBLReadRespLen, "read")
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"address": fmt.Sprintf("0x%04x", address),
				"error":   err.Error(),
			}).Error("读取失败")
			return out, err
		}

		out = append(out, resp[constants.SBLReadRespDataOffset:constants.SBLReadRespDataOffset+n]...)
		address += uint16(n / constants.SBLWordSize)
		s.report(phase, len(out), size)
	}
	return out, nil
}

// Verify 回读并逐字节比较, 配置了 DumpPath 时先写出回读内容
func (s *Session) Verify(ctx context.Context, image []byte) error {
	readback, err := s.readTo(ctx, len(image), PhaseVerifying)
	if err != nil {
		return err
	}

	if s.config.DumpPath != "" {
		if err := os.WriteFile(s.config.DumpPath, readback, 0o644); err != nil {
			s.log.WithFields(logrus.Fields{
				"path":  s.config.DumpPath,
				"error": err.Error(),
			}).Warn("写入回读文件失败")
		}
	}

	for i := range image {
		if readback[i] != image[i] {
			return &VerificationError{Offset: i, Expected: image[i], Actual: readback[i], Length: len(image)}
		}
	}
	return nil
}

// Enable 使能应用程序, 仅在响应OK时成功
func (s *Session) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.report(PhaseEnabling, 0, 0)
	if _, err := s.request(constants.SBLEnableReq, nil, constants.SBLEnableResp, constants.SBLEnableRespLen, "enable"); err != nil {
		return err
	}
	s.log.Info("应用程序已使能")
	return nil
}

// Program 写入镜像, 非强制模式下校验通过后才使能
//
// 调用方需先完成 Handshake.
func (s *Session) Program(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return errors.New(errors.ErrInvalidParameter, "固件镜像为空")
	}

	s.log.WithFields(logrus.Fields{
		"size":  len(image),
		"force": s.config.Force,
	}).Info("开始写入固件")
	if err := s.WriteImage(ctx, image); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	if !s.config.Force {
		if err := s.Verify(ctx, image); err != nil {
			var verr *VerificationError
			if stderrors.As(err, &verr) {
				s.log.Error("error: flash verification failed")
			}
			return fmt.Errorf("verify image: %w", err)
		}
		s.log.Info("固件校验通过")
	}

	if err := s.Enable(ctx); err != nil {
		return fmt.Errorf("enable image: %w", err)
	}
	s.report(PhaseComplete, len(image), len(image))
	return nil
}

// ProgramFile 读取镜像文件, 握手并写入
func (s *Session) ProgramFile(ctx context.Context, path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidParameter, "读取固件文件失败", err)
	}
	if err := s.Handshake(ctx); err != nil {
		return err
	}
	return s.Program(ctx, image)
}

// ReadableSize 可读取的应用区大小: memKiB*1024 - 0x2000
func ReadableSize(memKiB int) (int, error) {
	size := memKiB*1024 - constants.SBLAppMemoryOffset
	if memKiB <= 0 || size <= 0 {
		return 0, errors.New(errors.ErrInvalidParameter,
			fmt.Sprintf("无效的存储容量 %dKiB", memKiB))
	}
	return size, nil
}

// ReadDevice 读取设备应用区写入 w, 调用方需先完成 Handshake
func (s *Session) ReadDevice(ctx context.Context, memKiB int, w io.Writer) error {
	size, err := ReadableSize(memKiB)
	if err != nil {
		return err
	}
	data, err := s.ReadImage(ctx, size)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(errors.ErrTransportIO, "写出镜像失败", err)
	}
	s.report(PhaseComplete, size, size)
	return nil
}

// request 发送一个请求帧并校验响应命令字, 长度和状态, 返回响应负载
func (s *Session) request(cmd1 byte, payload []byte, wantCmd byte, wantLen int, op string) ([]byte, error) {
	frame, err := protocol.EncodeSBLFrame(constants.SBLCmdSys, cmd1, payload)
	if err != nil {
		return nil, err
	}

	var resp *protocol.SBLFrame
	err = s.link.Exchange(frame, func(r io.ByteReader) error {
		var derr error
		resp, derr = protocol.DecodeSBLFrame(r)
		return derr
	})
	if err != nil {
		return nil, err
	}

	if resp.Cmd0 != constants.SBLCmdSys || resp.Cmd1 != wantCmd {
		return nil, errors.New(errors.ErrProtocolUnexpectedCommand,
			fmt.Sprintf("%s: 期望响应 0x%02x, 收到 0x%02x/0x%02x", op, wantCmd, resp.Cmd0, resp.Cmd1))
	}
	if len(resp.Payload) != wantLen {
		return nil, errors.New(errors.ErrProtocolInvalidLength,
			fmt.Sprintf("%s: 期望负载长度 %d, 实际 %d", op, wantLen, len(resp.Payload)))
	}
	if status := resp.Payload[0]; status != constants.SBLStatusOK {
		return nil, &ResponseError{Operation: op, Command: resp.Cmd1, Status: status}
	}
	return resp.Payload, nil
}

func (s *Session) forceBoot() error {
	_, err := s.link.Write([]byte{constants.SBLForceBoot})
	return err
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Session) report(phase Phase, done, total int) {
	if s.config.ProgressCallback == nil {
		return
	}
	var pct float64
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	s.config.ProgressCallback(Progress{
		Phase:       phase,
		Done:        done,
		Total:       total,
		Percentage:  pct,
		ElapsedTime: time.Since(s.start),
	})
}

// isLinkError 串口本身不可用, 重试没有意义
func isLinkError(err error) bool {
	return errors.IsErrCode(err, errors.ErrTransportIO) || errors.IsErrCode(err, errors.ErrTransportNotOpen)
}
