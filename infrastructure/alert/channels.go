package alert

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"order-replicator-go/infrastructure/logger"
)

// LogChannel 把告警写入结构化日志
type LogChannel struct {
	name string
	log  *logger.Logger
}

func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	return &LogChannel{name: name, log: logger.OrNop(log)}
}

func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("level", string(a.Level)),
		zap.String("subject", a.Subject),
		zap.Time("at", a.Timestamp),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelCritical:
		c.log.Error("alert: "+a.Message, fields...)
	case LevelWarning:
		c.log.Warn("alert: "+a.Message, fields...)
	default:
		c.log.Info("alert: "+a.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return c.name }

// MemoryChannel 在内存中保存告警，测试和 reconcile_report 使用。
type MemoryChannel struct {
	name string

	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name}
}

func (c *MemoryChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("memory channel %s: forced error", c.name)
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MemoryChannel) Name() string { return c.name }

func (c *MemoryChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// CountLevel 返回指定级别的告警数
func (c *MemoryChannel) CountLevel(level Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.alerts {
		if a.Level == level {
			n++
		}
	}
	return n
}

func (c *MemoryChannel) SetShouldError(v bool) {
	c.mu.Lock()
	c.shouldErr = v
	c.mu.Unlock()
}
