package api

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orderforge/ordersvc/pkg/supervisor"
)

const (
	statusRateLimit = 200 * time.Millisecond
	logPollInterval = 200 * time.Millisecond
)

// streamStatus sends the latest JobStatus on every change, rate-limited to
// one frame per statusRateLimit, and closes the connection once the
// supervisor's termination broadcast fires.
func streamStatus(ctx context.Context, conn *websocket.Conn, handle *supervisor.Handle) {
	limiter := time.NewTicker(statusRateLimit)
	defer limiter.Stop()

	send := func() bool {
		if err := conn.WriteJSON(handle.Status.Get()); err != nil {
			return false
		}
		return true
	}

	if !send() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Termination():
			send()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "order terminated"))
			return
		case <-handle.Status.Changed():
			<-limiter.C
			if !send() {
				return
			}
		}
	}
}

// tailFile streams a growing log file's new bytes to conn as they are
// written, until the client disconnects or the request context ends.
func tailFile(ctx context.Context, conn *websocket.Conn, path string) {
	f, err := openForTail(path)
	if err != nil {
		slog.Error("opening log for tail failed", "path", path, "err", err)
		return
	}
	defer f.Close()

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := f.Read(buf)
				if n > 0 {
					if werr := conn.WriteMessage(websocket.TextMessage, append([]byte(nil), buf[:n]...)); werr != nil {
						return
					}
				}
				if err == io.EOF {
					break
				}
				if err != nil {
					return
				}
			}
		}
	}
}

// openForTail waits briefly for the log file to exist: the client may
// connect to the stream before the supervisor has created it.
func openForTail(path string) (*os.File, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}
