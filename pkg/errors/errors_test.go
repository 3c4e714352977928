package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorMessage(t *testing.T) {
	assert.Equal(t, "[1001] bad value", New(ErrInvalidParameter, "bad value").Error())

	err := Wrap(ErrTransportIO, "写入失败", io.ErrClosedPipe)
	assert.Equal(t, fmt.Sprintf("[%d] 写入失败: io: read/write on closed pipe", ErrTransportIO), err.Error())
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestIsErrCodeWalksChain(t *testing.T) {
	inner := Wrap(ErrVerificationFailed, "校验失败", nil)
	outer := fmt.Errorf("flash: %w", Wrap(ErrRetriesExhausted, "放弃", inner))

	assert.True(t, IsErrCode(outer, ErrRetriesExhausted))
	assert.True(t, IsErrCode(outer, ErrVerificationFailed))
	assert.False(t, IsErrCode(outer, ErrTransportIO))
	assert.False(t, IsErrCode(nil, ErrUnknown))
	assert.False(t, IsErrCode(stderrors.New("plain"), ErrUnknown))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrBusPublishFailed, CodeOf(fmt.Errorf("publish: %w", New(ErrBusPublishFailed, "超时"))))
	assert.Equal(t, ErrUnknown, CodeOf(io.EOF))
}
