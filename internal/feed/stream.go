package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/alert"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/infrastructure/monitor"
	"order-replicator-go/order"
)

var (
	// ErrFatal 需要人工介入（认证刷新后仍被拒绝）。
	ErrFatal = errors.New("feed fatal")

	errAuthRejected     = errors.New("feed authentication rejected")
	errStale            = errors.New("feed heartbeat timeout")
	errResync           = errors.New("event processing failed, resync requested")
	errReplayIncomplete = errors.New("replay incomplete")
)

// Delivery 一次事件投递。处理完成后必须调用且只调用一次 Ack。
type Delivery struct {
	Feed     string
	Event    order.SourceOrderEvent
	Replayed bool

	once sync.Once
	ack  func(error)
}

// Ack 确认处理结果；err 非空时水位不会越过该事件，连接会重建并回放。
func (d *Delivery) Ack(err error) {
	d.once.Do(func() {
		if d.ack != nil {
			d.ack(err)
		}
	})
}

// NewDelivery 构造不经过 Stream 的投递（轮询、测试）。
func NewDelivery(feed string, ev order.SourceOrderEvent, ack func(error)) *Delivery {
	return &Delivery{Feed: feed, Event: ev, ack: ack}
}

// Handler 接收投递；可以异步处理，但必须最终 Ack。
type Handler func(ctx context.Context, d *Delivery)

// Replayer 按更新时间分页拉取订单，由 gateway.BrokerRESTClient 实现。
type Replayer interface {
	OrdersUpdatedAfter(ctx context.Context, afterMs int64, page int) ([]gateway.OrderPayload, bool, error)
}

// WatermarkStore 水位持久化，由 store.Store 实现。
type WatermarkStore interface {
	Watermark(ctx context.Context, feed string) (order.Watermark, error)
	AdvanceWatermark(ctx context.Context, feed string, w order.Watermark) (order.Watermark, error)
}

type Config struct {
	Name             string
	URL              string
	HeartbeatTimeout time.Duration
	HandshakeTimeout time.Duration
	Backoff          gateway.Backoff
	MaxReplayPages   int
}

func DefaultConfig() Config {
	return Config{
		Name:             "source",
		HeartbeatTimeout: 60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backoff:          gateway.DefaultBackoff(),
		MaxReplayPages:   1000,
	}
}

// Stream 维护一条订单推送连接：认证、订阅、心跳检测、断线重连，并在恢复实时投递前回放缺口。
type Stream struct {
	cfg      Config
	auth     gateway.TokenProvider
	replayer Replayer
	wm       WatermarkStore
	handler  Handler

	log     *logger.Logger
	mon     *monitor.Monitor
	alerts  *alert.Manager
	dialer  *websocket.Dialer
	onFatal func(error)
	now     func() time.Time

	tracker *ackTracker
	resync  chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Stream)

func WithLogger(l *logger.Logger) Option { return func(s *Stream) { s.log = l } }

func WithMonitor(m *monitor.Monitor) Option { return func(s *Stream) { s.mon = m } }

func WithAlerts(a *alert.Manager) Option { return func(s *Stream) { s.alerts = a } }

func WithDialer(d *websocket.Dialer) Option { return func(s *Stream) { s.dialer = d } }

// WithFatalHandler 设置致命错误回调（通知主程序退出）
func WithFatalHandler(fn func(error)) Option { return func(s *Stream) { s.onFatal = fn } }

func New(cfg Config, auth gateway.TokenProvider, replayer Replayer, wm WatermarkStore, handler Handler, opts ...Option) *Stream {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxReplayPages <= 0 {
		cfg.MaxReplayPages = def.MaxReplayPages
	}
	s := &Stream{
		cfg:      cfg,
		auth:     auth,
		replayer: replayer,
		wm:       wm,
		handler:  handler,
		dialer:   websocket.DefaultDialer,
		now:      time.Now,
		tracker:  newAckTracker(),
		resync:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log).Named("feed." + cfg.Name)
	return s
}

// Start 启动后台连接循环。
func (s *Stream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Stop 关闭连接并等待循环退出。
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	started := s.cancel != nil
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// Done 循环退出（停止或致命错误）后关闭。
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) run(ctx context.Context) {
	attempt := 0
	authFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
			authFailures = 0
		}
		if errors.Is(err, errAuthRejected) {
			authFailures++
			if authFailures >= 2 {
				s.fatal(fmt.Errorf("%w: %s auth rejected after token refresh: %v", ErrFatal, s.cfg.Name, err))
				return
			}
			s.log.Warn("feed auth rejected, refreshing token", zap.Error(err))
			if _, rerr := s.auth.Refresh(ctx); rerr != nil {
				s.fatal(fmt.Errorf("%w: %s token refresh failed: %v", ErrFatal, s.cfg.Name, rerr))
				return
			}
			continue
		}
		attempt++
		wait := s.cfg.Backoff.Next(attempt)
		s.log.Warn("feed session ended, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", wait))
		if gateway.Sleep(ctx, wait) != nil {
			return
		}
	}
}

func (s *Stream) fatal(err error) {
	s.log.Error("feed stopped", zap.Error(err))
	_ = s.alerts.Critical("feed_"+s.cfg.Name, err.Error(), nil)
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

// session 一次连接的完整生命周期；connected 表示握手成功。
func (s *Stream) session(ctx context.Context) (connected bool, err error) {
	token, err := s.auth.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errAuthRejected, err)
	}
	dctx, dcancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, resp, err := s.dialer.DialContext(dctx, s.cfg.URL, nil)
	dcancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: handshake status %d", errAuthRejected, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		_ = conn.Close()
	}()

	if err := s.handshake(conn, token); err != nil {
		return false, err
	}
	s.mon.RecordWSConnection(s.cfg.Name)
	s.log.LogFeed("ws_connected", map[string]interface{}{"feed": s.cfg.Name})
	defer s.mon.RecordWSDisconnect(s.cfg.Name)

	return true, s.serve(ctx, conn)
}

func (s *Stream) handshake(conn *websocket.Conn, token string) error {
	deadline := s.now().Add(s.cfg.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, gateway.AuthFrame(s.auth.ClientID(), token)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth: %w", err)
		}
		msg, perr := gateway.ParseFeedFrame(raw)
		if perr != nil {
			s.mon.RecordMalformedFrame()
			continue
		}
		if msg.AuthRejected() {
			return fmt.Errorf("%w: %s %s", errAuthRejected, msg.Code, msg.Message)
		}
		if msg.Kind == gateway.FrameAuthOK {
			break
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, gateway.SubscribeFrame()); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// serve 先回放缺口，期间实时帧进入缓冲；回放全部确认后再投递缓冲和实时事件。
func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) error {
	gen := s.tracker.reset()
	select {
	case <-s.resync:
	default:
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastValid atomic.Int64
	lastValid.Store(s.now().UnixNano())
	frames := make(chan gateway.FeedMessage, 256)
	readErr := make(chan error, 1)
	go s.readLoop(sctx, conn, frames, readErr, &lastValid)

	replayDone := make(chan error, 1)
	wm, err := s.wm.Watermark(ctx, s.cfg.Name)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if wm.IsZero() {
		// 首次启动：从现在开始，不回放历史
		stored, err := s.wm.AdvanceWatermark(ctx, s.cfg.Name, order.Watermark{Timestamp: s.now().UnixMilli()})
		if err != nil {
			return fmt.Errorf("init watermark: %w", err)
		}
		s.mon.SetWatermark(stored.Timestamp)
		replayDone <- nil
	} else {
		go func() { replayDone <- s.replay(sctx, gen, wm) }()
	}

	check := s.cfg.HeartbeatTimeout / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	var buffered []order.SourceOrderEvent
	replaying := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-s.resync:
			return errResync
		case <-ticker.C:
			idle := s.now().Sub(time.Unix(0, lastValid.Load()))
			if idle > s.cfg.HeartbeatTimeout {
				s.mon.RecordWSStale(s.cfg.Name)
				s.log.LogFeed("ws_stale", map[string]interface{}{"feed": s.cfg.Name, "idle": idle.String()})
				return errStale
			}
		case err := <-replayDone:
			replayDone = nil
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			replaying = false
			for _, ev := range buffered {
				s.deliver(ctx, gen, ev, false, nil)
			}
			buffered = nil
		case msg := <-frames:
			switch msg.Kind {
			case gateway.FrameOrderUpdate:
				if replaying {
					buffered = append(buffered, *msg.Event)
					continue
				}
				s.deliver(ctx, gen, *msg.Event, false, nil)
			case gateway.FrameError:
				s.log.LogFeed("ws_error_frame", map[string]interface{}{"code": msg.Code, "message": msg.Message})
				if msg.AuthRejected() {
					return fmt.Errorf("%w: %s %s", errAuthRejected, msg.Code, msg.Message)
				}
			}
		}
	}
}

// readLoop 读取帧；只有结构合法且不是 ERROR 的帧刷新心跳。
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- gateway.FeedMessage, readErr chan<- error, lastValid *atomic.Int64) {
	conn.SetPingHandler(func(data string) error {
		lastValid.Store(s.now().UnixNano())
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		msg, perr := gateway.ParseFeedFrame(raw)
		if perr != nil {
			s.mon.RecordMalformedFrame()
			s.log.Debug("drop malformed frame", zap.Error(perr))
			continue
		}
		if msg.Kind != gateway.FrameError {
			lastValid.Store(s.now().UnixNano())
		}
		if msg.Kind != gateway.FrameOrderUpdate && msg.Kind != gateway.FrameError {
			continue
		}
		select {
		case frames <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// replay 拉取水位之后的全部订单，按时间排序投递，并等待全部确认。
// 券商时间只精确到秒，水位所在这一秒整体重新拉取；重复事件由编排器去重。
func (s *Stream) replay(ctx context.Context, gen uint64, wm order.Watermark) error {
	var events []order.SourceOrderEvent
	for page := 0; page < s.cfg.MaxReplayPages; page++ {
		payloads, more, err := s.replayer.OrdersUpdatedAfter(ctx, wm.Timestamp-1, page)
		if err != nil {
			return err
		}
		for _, p := range payloads {
			ev, err := gateway.Normalize(p)
			if err != nil {
				s.mon.RecordMalformedFrame()
				s.log.Warn("skip malformed replay order", zap.String("orderId", p.OrderID), zap.Error(err))
				continue
			}
			if ev.Timestamp < wm.Timestamp {
				continue
			}
			events = append(events, ev)
		}
		if !more {
			break
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Sequence < events[j].Sequence
	})
	s.log.LogFeed("replay_start", map[string]interface{}{"feed": s.cfg.Name, "since": wm.Timestamp, "events": len(events)})

	var wg sync.WaitGroup
	var failed atomic.Bool
	for _, ev := range events {
		wg.Add(1)
		s.deliver(ctx, gen, ev, true, func(err error) {
			if err != nil {
				failed.Store(true)
			}
			wg.Done()
		})
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	if failed.Load() {
		return errReplayIncomplete
	}
	s.log.LogFeed("replay_done", map[string]interface{}{"feed": s.cfg.Name, "events": len(events)})
	return nil
}

func (s *Stream) deliver(ctx context.Context, gen uint64, ev order.SourceOrderEvent, replayed bool, after func(error)) {
	id, _ := s.tracker.track(gen, ev)
	s.mon.RecordEvent(s.cfg.Name, replayed)
	d := &Delivery{Feed: s.cfg.Name, Event: ev, Replayed: replayed}
	d.ack = func(err error) {
		w, advance := s.tracker.ack(gen, id, err != nil)
		if err != nil {
			s.log.Warn("event not processed, will replay",
				zap.String("sourceOrderId", ev.SourceOrderID), zap.Error(err))
			s.requestResync()
		}
		if advance {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			stored, werr := s.wm.AdvanceWatermark(actx, s.cfg.Name, w)
			cancel()
			if werr != nil {
				s.log.Error("advance watermark failed", zap.Error(werr))
			} else {
				s.mon.SetWatermark(stored.Timestamp)
			}
		}
		if after != nil {
			after(err)
		}
	}
	s.handler(ctx, d)
}

func (s *Stream) requestResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *Stream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}
