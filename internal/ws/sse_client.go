package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams alert changes as Server-Sent Events for dashboards
// that cannot hold a websocket open. Send only queues; frames are written
// by Stream on the handler goroutine so a stalled peer never holds up the hub.
type SSEClient struct {
	writer    io.Writer
	rc        *http.ResponseController
	log       *slog.Logger
	event     string
	seq       uint64
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEClient builds an SSE client that labels every frame with event.
func NewSSEClient(w http.ResponseWriter, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		writer: w,
		rc:     http.NewResponseController(w),
		log:    logger,
		event:  event,
		out:    make(chan []byte, clientBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues one event frame. It never blocks.
func (c *SSEClient) Send(payload []byte) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.log.Warn("sse client too slow, dropping stream")
		return ErrSlowClient
	}
}

// Close stops the stream.
func (c *SSEClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the client has been closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// Stream writes queued frames and heartbeat comments until ctx ends, the
// client is closed or a write fails. Every write carries a deadline.
func (c *SSEClient) Stream(ctx context.Context, heartbeat time.Duration) error {
	defer c.Close()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return io.EOF
		case payload := <-c.out:
			c.seq++
			if err := c.write(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", c.seq, c.event, payload)); err != nil {
				c.log.Warn("sse send failed", "error", err)
				return err
			}
		case <-ticker.C:
			if err := c.write(": ping\n\n"); err != nil {
				return err
			}
		}
	}
}

func (c *SSEClient) write(frame string) error {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		return err
	}
	if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
