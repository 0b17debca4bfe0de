package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed maintains a reconnecting websocket subscription and a last-price
// cache keyed by symbol. Adapters parse venue-specific ticker frames in the
// handler they pass to Run and publish prices back via SetPrice.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	staleAfter     time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []any
	ping   any
	prices map[string]pricePoint
}

type pricePoint struct {
	price float64
	at    time.Time
}

func New(url string, reconnectDelay, pingInterval, staleAfter time.Duration, log *zap.Logger) *Feed {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		staleAfter:     staleAfter,
		log:            log,
		prices:         make(map[string]pricePoint),
	}
}

// SetPing installs the venue's application-level ping frame.
func (f *Feed) SetPing(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ping = msg
}

// Subscribe registers a subscription message. It is replayed on reconnect.
func (f *Feed) Subscribe(ctx context.Context, sub any) error {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// SetPrice publishes a parsed ticker price.
func (f *Feed) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = pricePoint{price: price, at: time.Now()}
}

// Price returns the cached price for symbol, or false when absent or stale.
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	point, ok := f.prices[symbol]
	if !ok || time.Since(point.at) > f.staleAfter {
		return 0, false
	}
	return point.price, true
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (f *Feed) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := f.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("ws connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn("ws read loop ended", zap.Error(err))
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) Close() error {
	f.resetConn()
	return nil
}

func (f *Feed) ensureConnected(ctx context.Context) error {
	f.mu.Lock()
	if f.conn != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	subs := append([]any(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	ping := f.ping
	f.mu.Unlock()
	if conn == nil || interval <= 0 || ping == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
