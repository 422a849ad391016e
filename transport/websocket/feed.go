// Package websocket implements the possync ChangeFeed over a WebSocket
// connection per collection. The client reconnects with exponential backoff
// and resumes from the last delivered cursor, so events may be re-delivered
// after a drop; the listener applies them idempotently.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	stdSync "sync"
	"time"

	"github.com/gorilla/websocket"

	possync "github.com/tillworks/possync"
	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
	"github.com/tillworks/possync/transport/feedwire"
)

const component = "transport/websocket"

// Config holds configuration for the WebSocket feed.
type Config struct {
	// URL is the feed endpoint, e.g. "wss://api.example.com/feed".
	// The collection name is appended as a path segment.
	URL string

	// AuthToken is sent as a bearer token on the handshake.
	AuthToken string

	// Keepalive settings. Defaults: PingInterval=30s, PongWait=60s.
	PingInterval time.Duration
	PongWait     time.Duration

	// Reconnect backoff. Defaults: 1s initial, 30s max.
	Reconnect possync.BackoffStrategy

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.Reconnect == nil {
		c.Reconnect = &possync.ExponentialBackoff{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Feed implements possync.ChangeFeed over WebSocket.
type Feed struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     stdSync.Mutex
	closed bool
	stop   chan struct{}
	wg     stdSync.WaitGroup
}

var _ possync.ChangeFeed = (*Feed)(nil)

// NewFeed creates a WebSocket change feed client.
func NewFeed(cfg Config) (*Feed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	cfg.setDefaults()
	return &Feed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: cfg.Logger.With(slog.String("component", component)),
		stop:   make(chan struct{}),
	}, nil
}

// Subscribe opens a connection for one collection and streams events on the
// returned channel. The channel closes when ctx is cancelled or the feed is
// closed. Connection drops are handled internally: the reader reconnects and
// resumes from the last delivered cursor.
func (f *Feed) Subscribe(ctx context.Context, c entity.Collection, since cursor.Cursor) (<-chan possync.ChangeEvent, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, syncErrors.New(syncErrors.OpFeed, fmt.Errorf("feed is closed"))
	}
	f.wg.Add(1)
	f.mu.Unlock()

	events := make(chan possync.ChangeEvent)
	go func() {
		defer f.wg.Done()
		defer close(events)
		f.run(ctx, c, since, events)
	}()
	return events, nil
}

// Close stops every subscription and waits for the readers to exit.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.stop)
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

// run owns one collection's subscription for its whole lifetime, across
// reconnects.
func (f *Feed) run(ctx context.Context, c entity.Collection, since cursor.Cursor, events chan<- possync.ChangeEvent) {
	last := since
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		default:
		}

		conn, err := f.dial(ctx, c, last)
		if err != nil {
			delay := f.cfg.Reconnect.NextDelay(attempt)
			attempt++
			f.logger.Warn("feed dial failed, retrying",
				slog.String("collection", string(c)),
				slog.Duration("retry_in", delay),
				slog.Any("error", err))
			if !sleep(ctx, f.stop, delay) {
				return
			}
			continue
		}
		attempt = 0

		last = f.consume(ctx, c, conn, last, events)
		conn.Close()
	}
}

func (f *Feed) dial(ctx context.Context, c entity.Collection, since cursor.Cursor) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s/%s?since=%s", f.cfg.URL, url.PathEscape(string(c)), since)
	header := http.Header{}
	if f.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+f.cfg.AuthToken)
	}
	conn, _, err := f.dialer.DialContext(ctx, endpoint, header)
	return conn, err
}

// consume reads frames until the connection drops or the feed stops,
// returning the last cursor delivered so the reconnect resumes there.
func (f *Feed) consume(ctx context.Context, c entity.Collection, conn *websocket.Conn, last cursor.Cursor, events chan<- possync.ChangeEvent) cursor.Cursor {
	done := make(chan struct{})
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	})

	// Ping loop keeps the connection alive and unblocks the reader on
	// shutdown by closing the connection.
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-f.stop:
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-f.stop:
			default:
				f.logger.Warn("feed connection dropped",
					slog.String("collection", string(c)), slog.Any("error", err))
			}
			return last
		}

		ev, err := feedwire.Decode(data)
		if err != nil {
			f.logger.Error("feed frame rejected",
				slog.String("collection", string(c)), slog.Any("error", err))
			continue
		}

		select {
		case events <- ev:
			last = last.Advance(ev.Cursor)
		case <-ctx.Done():
			return last
		case <-f.stop:
			return last
		}
	}
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
