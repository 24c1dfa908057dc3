package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/target"
)

// Session states. Transitions only move forward.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

// Control messages sent to native clients.
const (
	msgEstablished = "WebSocket connection established"
	msgNotReady    = "Target WebSocket not ready"
	msgError       = "WebSocket connection error"

	reasonTargetClosed = "Target connection closed"
	reasonTargetError  = "Error in target WebSocket"
)

// session is one native client/target pairing. It never outlives the
// request that created it.
type session struct {
	id     string
	state  atomic.Int32
	logger *slog.Logger
	bridge *Bridge
	cancel context.CancelFunc

	client   *websocket.Conn
	clientMu sync.Mutex // serializes data writes to client

	// target is set once before the state moves to stateOpen.
	target *websocket.Conn
}

// ServeNative upgrades r to a WebSocket and relays frames between it and the
// target u. The target is dialed after the client is accepted; client
// messages that arrive before the target is open are answered with an error
// and dropped. It returns when both sides are closed.
func (b *Bridge) ServeNative(w http.ResponseWriter, r *http.Request, u *url.URL) error {
	upgrader := b.upgrader
	upgrader.Subprotocols = websocket.Subprotocols(r)

	dialHeader := b.dialHeaders(r)

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return fmt.Errorf("upgrade client: %w", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		id:     uuid.NewString(),
		bridge: b,
		client: client,
		cancel: cancel,
	}
	s.logger = b.logger.With("session_id", s.id, "mode", ModeNative, "host", u.Host)
	if b.readLimit > 0 {
		client.SetReadLimit(b.readLimit)
	}

	b.sessionOpened(ModeNative)
	defer b.sessionClosed(ModeNative)
	s.logger.Info("bridge session started")

	var g errgroup.Group
	g.Go(func() error { return s.pumpClient() })
	g.Go(func() error { return s.pumpTarget(ctx, target.WebSocketURL(u).String(), dialHeader) })
	err = g.Wait()

	s.state.Store(stateClosed)
	_ = client.Close()
	if s.target != nil {
		_ = s.target.Close()
	}
	s.logger.Info("bridge session closed")
	return err
}

// pumpClient forwards client frames to the target until the client goes away.
func (s *session) pumpClient() error {
	defer s.cancel()
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			s.clientGone(err)
			return nil
		}

		switch s.state.Load() {
		case stateOpen:
		case stateConnecting:
			s.sendClient(model.ControlMessage{Type: "error", Message: msgNotReady})
			continue
		default:
			continue
		}

		if err := s.target.WriteMessage(messageType, data); err != nil {
			s.logger.Warn("write to target failed", "err", err)
			continue
		}
		s.bridge.countMessage(clientToTarget)
	}
}

// pumpTarget dials the target, then forwards its frames to the client until
// the target goes away.
func (s *session) pumpTarget(ctx context.Context, targetURL string, h http.Header) error {
	defer s.cancel()

	conn, resp, err := s.bridge.dialer.DialContext(ctx, targetURL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("target dial failed", "err", err)
		s.failClient()
		return nil
	}
	if s.bridge.readLimit > 0 {
		conn.SetReadLimit(s.bridge.readLimit)
	}

	s.target = conn
	if !s.state.CompareAndSwap(stateConnecting, stateOpen) {
		_ = conn.Close()
		return nil
	}
	s.logger.Debug("target connected")
	s.sendClient(model.ControlMessage{Type: "system", Message: msgEstablished})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.targetGone(err)
			return nil
		}

		s.clientMu.Lock()
		err = s.client.WriteMessage(messageType, data)
		s.clientMu.Unlock()
		if err != nil {
			s.logger.Debug("write to client failed", "err", err)
			if s.state.CompareAndSwap(stateOpen, stateClosing) {
				s.closeTarget(websocket.CloseGoingAway, "")
			}
			_ = s.client.Close()
			return nil
		}
		s.bridge.countMessage(targetToClient)
	}
}

// clientGone closes the target after the client closed or failed.
func (s *session) clientGone(err error) {
	code := websocket.CloseNormalClosure
	reason := ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) && sendableCode(ce.Code) {
		code, reason = ce.Code, ce.Text
	}

	if s.state.CompareAndSwap(stateConnecting, stateClosing) {
		s.logger.Debug("client closed before target opened")
		return
	}
	if s.state.CompareAndSwap(stateOpen, stateClosing) {
		s.logger.Debug("client closed", "code", code)
		s.closeTarget(code, reason)
	}
}

// targetGone closes the client with the target's close code, or with 1011
// when the target failed without a proper close.
func (s *session) targetGone(err error) {
	if !s.state.CompareAndSwap(stateOpen, stateClosing) {
		return
	}

	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code == websocket.CloseAbnormalClosure || ce.Code == websocket.CloseTLSHandshake {
		s.logger.Warn("target connection failed", "err", err)
		s.sendClient(model.ControlMessage{Type: "error", Message: msgError})
		s.closeClient(websocket.CloseInternalServerErr, reasonTargetError)
		return
	}

	code, reason := ce.Code, ce.Text
	if !sendableCode(code) {
		code = websocket.CloseNormalClosure
	}
	if reason == "" {
		reason = reasonTargetClosed
	}
	s.logger.Debug("target closed", "code", ce.Code)
	s.closeClient(code, reason)
}

// failClient reports a dial failure and closes the client with 1011.
func (s *session) failClient() {
	if !s.state.CompareAndSwap(stateConnecting, stateClosing) {
		return
	}
	s.sendClient(model.ControlMessage{Type: "error", Message: msgError})
	s.closeClient(websocket.CloseInternalServerErr, reasonTargetError)
}

// sendClient writes a JSON control message to the client.
func (s *session) sendClient(msg model.ControlMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if err := s.client.WriteMessage(websocket.TextMessage, b); err != nil {
		s.logger.Debug("write control message failed", "type", msg.Type, "err", err)
	}
}

// closeClient sends a close frame and gives the client closeGrace to answer
// before its read loop is cut off.
func (s *session) closeClient(code int, reason string) {
	deadline := time.Now().Add(closeGrace)
	_ = s.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.client.SetReadDeadline(deadline)
}

func (s *session) closeTarget(code int, reason string) {
	deadline := time.Now().Add(closeGrace)
	_ = s.target.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.target.SetReadDeadline(deadline)
}

// sendableCode reports whether code may appear in a close frame.
func sendableCode(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return code >= 1000 && code < 5000
}
