// Package sblsim 提供按引导程序协议应答的回环闪存模拟器, 用于测试与离线演练
package sblsim

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/protocol"
)

// Simulator 闪存模拟器, 实现 bootloader.Link
type Simulator struct {
	mu  sync.Mutex
	mem []byte

	// HandshakeOK 为false时握手应答FAIL
	HandshakeOK bool
	// FlipOffset >=0 时回读该偏移的字节取反
	FlipOffset int

	handshakes int
	forceBoots int
	forceRuns  int
	writes     int
	reads      int
	enables    int
	closed     bool
}

// New 创建容量为 size 字节的模拟器, 初始内容为0xFF
func New(size int) *Simulator {
	return &Simulator{
		mem:         bytes.Repeat([]byte{constants.SBLFillByte}, size),
		HandshakeOK: true,
		FlipOffset:  -1,
	}
}

// Counters 各类请求的计数
type Counters struct {
	Handshakes int
	ForceBoots int
	ForceRuns  int
	Writes     int
	Reads      int
	Enables    int
}

// Counters 返回计数快照
func (s *Simulator) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{
		Handshakes: s.handshakes,
		ForceBoots: s.forceBoots,
		ForceRuns:  s.forceRuns,
		Writes:     s.writes,
		Reads:      s.reads,
		Enables:    s.enables,
	}
}

// Memory 返回前 n 字节闪存内容的副本
func (s *Simulator) Memory(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.mem) {
		n = len(s.mem)
	}
	return append([]byte(nil), s.mem[:n]...)
}

// Write 记录帧外控制字节
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		switch b {
		case constants.SBLForceBoot:
			s.forceBoots++
		case constants.SBLForceRun:
			s.forceRuns++
		}
	}
	return len(p), nil
}

// Exchange 解析请求帧并返回应答帧
func (s *Simulator) Exchange(request []byte, readResponse func(r io.ByteReader) error) error {
	frame, err := s.respond(request)
	if err != nil {
		return err
	}
	return readResponse(bytes.NewReader(frame))
}

// Close 关闭后读写均返回错误
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Simulator) respond(request []byte) ([]byte, error) {
	req, err := protocol.DecodeSBLFrame(bytes.NewReader(request))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}

	var cmd byte
	var payload []byte
	switch req.Cmd1 {
	case constants.SBLHandshakeReq:
		s.handshakes++
		cmd = constants.SBLHandshakeResp
		payload = []byte{constants.SBLStatusOK}
		if !s.HandshakeOK {
			payload[0] = constants.SBLStatusFail
		}

	case constants.SBLWriteReq:
		s.writes++
		var w protocol.SBLWriteRequest
		if err := protocol.DecodeSBLPayload(req.Payload, &w); err != nil {
			return nil, err
		}
		cmd = constants.SBLWriteResp
		payload = []byte{constants.SBLStatusOK}
		base := int(w.Address) * constants.SBLWordSize
		if base+len(w.Data) > len(s.mem) {
			payload[0] = constants.SBLStatusValidation
			break
		}
		copy(s.mem[base:], w.Data[:])

	case constants.SBLReadReq:
		s.reads++
		var r protocol.SBLReadRequest
		if err := protocol.DecodeSBLPayload(req.Payload, &r); err != nil {
			return nil, err
		}
		resp := protocol.SBLReadResponse{Status: constants.SBLStatusOK, Address: r.Address}
		base := int(r.Address) * constants.SBLWordSize
		if base < len(s.mem) {
			copy(resp.Data[:], s.mem[base:])
		}
		if s.FlipOffset >= base && s.FlipOffset < base+constants.SBLChunkSize {
			resp.Data[s.FlipOffset-base] ^= 0xFF
		}
		payload, err = protocol.EncodeSBLPayload(&resp)
		if err != nil {
			return nil, err
		}
		cmd = constants.SBLReadResp

	case constants.SBLEnableReq:
		s.enables++
		cmd = constants.SBLEnableResp
		payload = []byte{constants.SBLStatusOK}

	default:
		return nil, fmt.Errorf("unexpected command 0x%02X", req.Cmd1)
	}

	return protocol.EncodeSBLFrame(constants.SBLCmdSys, cmd, payload)
}
