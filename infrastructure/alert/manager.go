package alert

import (
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Message   string
	Subject   string // 限流维度，通常是 sourceOrderId；为空时按消息限流
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器，同一 level+subject+message 在限流窗口内只发送一次。
// nil Manager 静默丢弃所有告警。
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	throttle *throttler
}

type throttler struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

func (t *throttler) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: &throttler{lastSent: make(map[string]time.Time), interval: throttleInterval, now: time.Now},
	}
}

// Send 发送到所有通道；全部失败时返回最后一个错误。
func (m *Manager) Send(a Alert) error {
	if m == nil {
		return nil
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if !m.throttle.allow(fmt.Sprintf("%s|%s|%s", a.Level, a.Subject, a.Message)) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Warning 对账类告警：需要人工关注但不影响其它订单。
func (m *Manager) Warning(subject, message string, fields map[string]interface{}) error {
	return m.Send(Alert{Level: LevelWarning, Subject: subject, Message: message, Fields: fields})
}

// Critical 需要立即处理：鉴权失效、OCO 失败、FATAL 出站错误。
func (m *Manager) Critical(subject, message string, fields map[string]interface{}) error {
	return m.Send(Alert{Level: LevelCritical, Subject: subject, Message: message, Fields: fields})
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
