// Package clock 提供可替换的时间源，TTL 与窗口计算都通过它取当前时间。
package clock

import (
	"sync"
	"time"
)

// Clock 时间源接口
type Clock interface {
	Now() time.Time
}

// Real 系统时钟
type Real struct{}

// Now 返回系统当前时间
func (Real) Now() time.Time { return time.Now() }

// Default 进程默认时钟
var Default Clock = Real{}

// OrDefault 在 c 为 nil 时返回系统时钟
func OrDefault(c Clock) Clock {
	if c == nil {
		return Default
	}
	return c
}

// Fake 手动推进的时钟，用于确定性测试
type Fake struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFake 创建一个停在 start 的时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 返回当前虚拟时间
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Advance 将虚拟时间向前推进 d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set 将虚拟时间设置为 t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
