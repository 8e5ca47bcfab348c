package outbound

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen 熔断打开期间直接拒绝请求。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 熔断，拒绝所有请求
	BreakerOpen
	// BreakerHalfOpen 冷却结束，放行探测请求
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"` // 连续失败 N 次打开
	Cooldown         time.Duration `yaml:"cooldown"`         // 打开后等待时间
	SuccessThreshold int           `yaml:"successThreshold"` // 半开状态连续成功 M 次关闭
}

// Breaker 是整个目标账户共享的熔断器。
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	halfOpenSuccess int
	openedAt        time.Time
	onChange        func(from, to BreakerState)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{cfg: cfg, now: time.Now, state: BreakerClosed}
}

// OnStateChange 注册状态变更回调（指标/告警），回调在锁外执行。
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow 调用前检查；打开期间返回 ErrCircuitOpen，冷却结束后进入半开。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.halfOpenSuccess = 0
	}
	to, cb := b.state, b.onChange
	b.mu.Unlock()
	if from != to && cb != nil {
		cb(from, to)
	}
	return nil
}

// Record 记录一次调用结果。只有计入熔断的失败才传 failure=true。
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()
	from := b.state
	if failure {
		b.consecutiveFail++
		switch b.state {
		case BreakerClosed:
			if b.consecutiveFail >= b.cfg.FailureThreshold {
				b.trip()
			}
		case BreakerHalfOpen:
			// 半开状态下失败，立即重新打开
			b.trip()
		}
	} else {
		b.consecutiveFail = 0
		if b.state == BreakerHalfOpen {
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
				b.state = BreakerClosed
				b.halfOpenSuccess = 0
			}
		}
	}
	to, cb := b.state, b.onChange
	b.mu.Unlock()
	if from != to && cb != nil {
		cb(from, to)
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.halfOpenSuccess = 0
}

// State 获取当前状态（不触发半开转换）
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 重置熔断器（仅运维/测试使用）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFail = 0
	b.halfOpenSuccess = 0
	b.openedAt = time.Time{}
}
