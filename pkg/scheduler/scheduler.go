// Package scheduler 提供可取消的周期任务与单次任务
//
// 任务到期时向事件通道投递 Event, 由唯一的消费协程执行实际动作,
// 因此定时动作不会与串口的其它使用者并发.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/sirupsen/logrus"
)

// EventType 任务事件类型
type EventType string

// Event 任务到期事件
type Event struct {
	Type  EventType
	Seq   uint64 // 该任务第几次触发, 从1开始
	Fired time.Time
}

// Kind 任务类型
type Kind int

const (
	Repeating Kind = iota
	OneShot
)

func (k Kind) String() string {
	if k == OneShot {
		return "oneshot"
	}
	return "repeating"
}

// Task 定时任务
type Task struct {
	eventType EventType
	kind      Kind
	interval  time.Duration
	events    chan<- Event

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	fired   uint64
}

// NewRepeating 创建周期任务, 每隔 interval 投递一次事件
func NewRepeating(eventType EventType, interval time.Duration, events chan<- Event) *Task {
	return &Task{eventType: eventType, kind: Repeating, interval: interval, events: events}
}

// NewOneShot 创建单次任务, delay 之后投递一次事件
func NewOneShot(eventType EventType, delay time.Duration, events chan<- Event) *Task {
	return &Task{eventType: eventType, kind: OneShot, interval: delay, events: events}
}

// Start 启动任务; 已在运行时不做任何事. 单次任务结束后可以再次 Start
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, t.done)

	logger.WithFields(logrus.Fields{
		"task":     t.eventType,
		"kind":     t.kind.String(),
		"interval": t.interval.String(),
	}).Debug("定时任务已启动")
}

// Cancel 取消任务并等待其协程退出, 未触发的事件不会再投递
func (t *Task) Cancel() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
	logger.WithField("task", t.eventType).Debug("定时任务已取消")
}

// Restart 取消后重新计时
func (t *Task) Restart() {
	t.Cancel()
	t.Start()
}

// Running 任务是否在运行
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Fired 累计触发次数
func (t *Task) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			if !t.emit(ctx, now) {
				return
			}
			if t.kind == OneShot {
				t.finish(ctx)
				return
			}
			timer.Reset(t.interval)
		}
	}
}

func (t *Task) emit(ctx context.Context, now time.Time) bool {
	t.mu.Lock()
	t.fired++
	ev := Event{Type: t.eventType, Seq: t.fired, Fired: now}
	t.mu.Unlock()

	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish 单次任务正常结束时清除运行标记; 已被 Cancel 或重新 Start 时不做任何事
func (t *Task) finish(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() == nil && t.running {
		t.running = false
		t.cancel()
	}
}
