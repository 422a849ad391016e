// Package sse implements the possync ChangeFeed over Server-Sent Events for
// deployments where WebSocket traffic is blocked. Frames are identical to
// the WebSocket feed; only the carrier differs.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	stdSync "sync"
	"time"

	possync "github.com/tillworks/possync"
	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
	"github.com/tillworks/possync/transport/feedwire"
)

const component = "transport/sse"

// Config holds configuration for the SSE feed.
type Config struct {
	// URL is the feed endpoint, e.g. "https://api.example.com/feed".
	// The collection name is appended as a path segment.
	URL string

	// AuthToken is sent as a bearer token on every request.
	AuthToken string

	// HTTPClient must have no overall timeout: the stream is long-lived.
	HTTPClient *http.Client

	// Reconnect backoff. Defaults: 1s initial, 30s max.
	Reconnect possync.BackoffStrategy

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
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

// Feed implements possync.ChangeFeed over SSE.
type Feed struct {
	cfg    Config
	logger *slog.Logger

	mu     stdSync.Mutex
	closed bool
	stop   chan struct{}
	wg     stdSync.WaitGroup
}

var _ possync.ChangeFeed = (*Feed)(nil)

// NewFeed creates an SSE change feed client.
func NewFeed(cfg Config) (*Feed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	cfg.setDefaults()
	return &Feed{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", component)),
		stop:   make(chan struct{}),
	}, nil
}

// Subscribe streams one collection's events on the returned channel. The
// channel closes when ctx is cancelled or the feed is closed. The reader
// reconnects on stream drops and resumes from the last delivered cursor.
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

func (f *Feed) run(ctx context.Context, c entity.Collection, since cursor.Cursor, events chan<- possync.ChangeEvent) {
	// Per-stream context lets Close unblock the body reader.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	last := since
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := f.stream(ctx, c, last, events)
		last = delivered
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := f.cfg.Reconnect.NextDelay(attempt)
			attempt++
			f.logger.Warn("feed stream dropped, retrying",
				slog.String("collection", string(c)),
				slog.Duration("retry_in", delay),
				slog.Any("error", err))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0
	}
}

// stream consumes one HTTP response until it ends, returning the last
// cursor delivered.
func (f *Feed) stream(ctx context.Context, c entity.Collection, since cursor.Cursor, events chan<- possync.ChangeEvent) (cursor.Cursor, error) {
	endpoint := fmt.Sprintf("%s/%s?since=%s", f.cfg.URL, url.PathEscape(string(c)), since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return since, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if f.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.AuthToken)
	}

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return since, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return since, fmt.Errorf("feed endpoint returned HTTP %d", resp.StatusCode)
	}

	last := since
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		ev, err := feedwire.Decode(bytes.TrimPrefix(line, []byte("data: ")))
		if err != nil {
			f.logger.Error("feed frame rejected",
				slog.String("collection", string(c)), slog.Any("error", err))
			continue
		}
		select {
		case events <- ev:
			last = last.Advance(ev.Cursor)
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
	return last, sc.Err()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
