package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/infrastructure/monitor"
)

// 审计动作
const (
	ActionReceived          = "RECEIVED"
	ActionDuplicate         = "DUPLICATE"
	ActionIgnored           = "IGNORED"
	ActionSized             = "SIZED"
	ActionSkipped           = "SKIPPED"
	ActionPlace             = "PLACE"
	ActionLookup            = "LOOKUP"
	ActionModify            = "MODIFY"
	ActionModifyDropped     = "MODIFY_DROPPED"
	ActionCancel            = "CANCEL"
	ActionDestinationUpdate = "DESTINATION_UPDATE"
	ActionLegRecorded       = "LEG_RECORDED"
	ActionOCOCancel         = "OCO_CANCEL"
	ActionReconcile         = "RECONCILIATION_NEEDED"
	ActionDivergence        = "DIVERGENCE"
	ActionStale             = "STALE"
)

var ErrClosed = errors.New("audit log closed")

// Entry 审计记录，写入后不再修改或删除。
type Entry struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"ts"`
	MappingID string          `json:"mappingId"`
	Action    string          `json:"action"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Sink 持久化一批记录；返回 nil 表示整批已落盘。重复写入同一 ID 必须无副作用。
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// Receipt 在记录持久化后完成。
type Receipt struct {
	done chan struct{}
	err  error
}

func newReceipt() *Receipt { return &Receipt{done: make(chan struct{})} }

func (r *Receipt) resolve(err error) {
	r.err = err
	close(r.done)
}

// Wait 阻塞直到记录落盘或 ctx 结束。
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll 等待全部回执，返回第一个错误。
func WaitAll(ctx context.Context, receipts ...*Receipt) error {
	for _, r := range receipts {
		if r == nil {
			continue
		}
		if err := r.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Retry         gateway.Backoff
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		BatchSize:     128,
		FlushInterval: 50 * time.Millisecond,
		Retry:         gateway.DefaultBackoff(),
	}
}

type pending struct {
	entry   Entry
	receipt *Receipt
}

// Log 追加式审计日志：Append 入队，后台协程批量写入所有 sink。
// 决策路径只入队；事件确认前由调用方等待回执。
type Log struct {
	cfg   Config
	sinks []Sink
	log   *logger.Logger
	mon   *monitor.Monitor
	now   func() time.Time

	queue   chan pending
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
	cancel  context.CancelFunc
}

type Option func(*Log)

func WithLogger(l *logger.Logger) Option { return func(a *Log) { a.log = l } }

func WithMonitor(m *monitor.Monitor) Option { return func(a *Log) { a.mon = m } }

func New(cfg Config, sinks []Sink, opts ...Option) *Log {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Retry.Min <= 0 {
		cfg.Retry = def.Retry
	}
	a := &Log{
		cfg:     cfg,
		sinks:   sinks,
		now:     time.Now,
		queue:   make(chan pending, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.OrNop(a.log).Named("audit")
	return a
}

// Start 启动写入协程。
func (a *Log) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(ctx)
}

// Append 入队一条记录。ID 与时间戳为空时自动生成。
func (a *Log) Append(e Entry) *Receipt {
	r := newReceipt()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = a.now().UnixMilli()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		r.resolve(ErrClosed)
		return r
	}
	a.queue <- pending{entry: e, receipt: r}
	return r
}

// Record 把请求/响应序列化为 JSON 后追加；err 非空时记录错误文本。
func (a *Log) Record(mappingID, action string, request, response any, err error) *Receipt {
	e := Entry{MappingID: mappingID, Action: action}
	e.Request = marshal(request)
	e.Response = marshal(response)
	if err != nil {
		e.Error = err.Error()
	}
	return a.Append(e)
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}

// Close 停止接收新记录，写完队列中剩余记录后关闭 sink。
func (a *Log) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	if a.cancel != nil {
		select {
		case <-a.stopped:
		case <-time.After(10 * time.Second):
			// sink 持续失败时放弃剩余重试
			a.cancel()
			<-a.stopped
		}
		a.cancel()
	} else {
		for p := range a.queue {
			p.receipt.resolve(ErrClosed)
		}
	}
	var errs []error
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Log) run(ctx context.Context) {
	defer close(a.stopped)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]pending, 0, a.cfg.BatchSize)
	for {
		select {
		case p, ok := <-a.queue:
			if !ok {
				a.flush(ctx, batch)
				return
			}
			batch = append(batch, p)
			if len(batch) >= a.cfg.BatchSize {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush 写入所有 sink，失败按退避重试直到成功或 ctx 取消。
func (a *Log) flush(ctx context.Context, batch []pending) {
	if len(batch) == 0 {
		return
	}
	entries := make([]Entry, len(batch))
	for i, p := range batch {
		entries[i] = p.entry
	}
	start := time.Now()
	err := a.writeAll(ctx, entries)
	for attempt := 1; err != nil; attempt++ {
		a.log.Error("audit write failed", zap.Int("entries", len(entries)), zap.Int("attempt", attempt), zap.Error(err))
		if serr := gateway.Sleep(ctx, a.cfg.Retry.Next(attempt)); serr != nil {
			break
		}
		err = a.writeAll(ctx, entries)
	}
	a.mon.RecordAuditFlush(time.Since(start).Seconds())
	for _, p := range batch {
		p.receipt.resolve(err)
	}
}

func (a *Log) writeAll(ctx context.Context, entries []Entry) error {
	for _, s := range a.sinks {
		if err := s.Write(ctx, entries); err != nil {
			return err
		}
	}
	return nil
}
