package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/target"
)

const (
	msgEstablishing   = "Establishing WebSocket connection..."
	reasonConnClosed  = "Connection closed"
	eventStreamPrefix = "data: "
)

// eventWriter writes control messages as SSE "data:" events.
type eventWriter struct {
	w     io.Writer
	flush func()
}

func (e *eventWriter) send(msg model.ControlMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "%s%s\n\n", eventStreamPrefix, b); err != nil {
		return err
	}
	e.flush()
	return nil
}

// ServeEventStream dials the target u and streams its lifecycle and messages
// to the client as SSE events. A non-empty POST body is sent to the target as
// one text message once the connection is open. The client cannot send
// anything else; the stream ends when either side goes away.
//
// Response headers already set on w (CORS) are kept.
func (b *Bridge) ServeEventStream(w http.ResponseWriter, r *http.Request, u *url.URL) error {
	var payload []byte
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
		payload = body
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's read timeout.
	_ = rc.SetReadDeadline(time.Time{})
	events := &eventWriter{w: w, flush: func() { _ = rc.Flush() }}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	logger := b.logger.With("session_id", uuid.NewString(), "mode", ModeEventStream, "host", u.Host)
	b.sessionOpened(ModeEventStream)
	defer b.sessionClosed(ModeEventStream)
	logger.Info("bridge session started")
	defer logger.Info("bridge session closed")

	if err := events.send(model.ControlMessage{Type: "system", Message: msgEstablishing}); err != nil {
		return nil
	}

	ctx := r.Context()
	conn, resp, err := b.dialer.DialContext(ctx, target.WebSocketURL(u).String(), b.dialHeaders(r))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("target dial failed", "err", err)
		_ = events.send(model.ControlMessage{Type: "error", Message: msgError})
		_ = events.send(model.ControlMessage{Type: "close", Code: websocket.CloseAbnormalClosure, Reason: reasonConnClosed})
		return nil
	}
	defer func() { _ = conn.Close() }()
	if b.readLimit > 0 {
		conn.SetReadLimit(b.readLimit)
	}

	// The client disconnecting unblocks the read loop below.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := events.send(model.ControlMessage{Type: "open", Message: msgEstablished}); err != nil {
		return nil
	}

	if len(payload) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Warn("write to target failed", "err", err)
		} else {
			b.countMessage(clientToTarget)
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				sendClosing(events, err)
			}
			return nil
		}

		if err := events.send(messageEvent(messageType, data)); err != nil {
			logger.Debug("write to client failed", "err", err)
			return nil
		}
		b.countMessage(targetToClient)
	}
}

// messageEvent wraps a target frame; binary frames are base64-encoded.
func messageEvent(messageType int, data []byte) model.ControlMessage {
	msg := model.ControlMessage{Type: "message"}
	var s string
	if messageType == websocket.BinaryMessage {
		s = base64.StdEncoding.EncodeToString(data)
		msg.Encoding = "base64"
	} else {
		s = string(data)
	}
	msg.Data = &s
	return msg
}

// sendClosing reports how the target connection ended.
func sendClosing(events *eventWriter, err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code == websocket.CloseAbnormalClosure {
		_ = events.send(model.ControlMessage{Type: "error", Message: msgError})
		_ = events.send(model.ControlMessage{Type: "close", Code: websocket.CloseAbnormalClosure, Reason: reasonConnClosed})
		return
	}

	reason := ce.Text
	if reason == "" {
		reason = reasonConnClosed
	}
	_ = events.send(model.ControlMessage{Type: "close", Code: ce.Code, Reason: reason})
}
