package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"studyhub/cmd/internal/auth/bearer"
	v1 "studyhub/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// WSGateway is the WebSocket entrypoint for studyhub realtime.
//
// It enforces origin policy, subprotocol selection, the connect handshake,
// rate limits and heartbeats, and routes validated envelopes to the core.
type WSGateway struct {
	log     *slog.Logger
	core    *Core
	cfg     GatewayConfig
	origins originPolicy
}

// NewWSGateway constructs a gateway over core.
func NewWSGateway(log *slog.Logger, core *Core, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:     log,
		core:    core,
		cfg:     cfg,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ident, ok := g.handshake(ctx, conn, r)
	if !ok {
		return
	}

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(ident.UserID, sessionID, g.cfg.SendQueueSize)
	session := g.core.Lifecycle.Begin(client)

	var closeOnce sync.Once

	// shutdown is idempotent. Subscriptions are dropped before the socket
	// closes so no publisher targets a dead session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			session.End(reason)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	select {
	case <-client.Done():
		// Begun while the server drains.
		shutdown(closeStatusFor(client.CloseReason()), client.CloseReason())
		return
	default:
	}

	connected, _ := json.Marshal(v1.ConnectedPayload{SessionID: sessionID, UserID: ident.UserID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeConnected, connected, time.Now().UTC())) {
		shutdown(websocket.StatusInternalError, "backpressure")
		return
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the hub or the lifecycle rather than by this
				// handler; the socket has to follow.
				reason := client.CloseReason()
				shutdown(closeStatusFor(reason), reason)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				g.core.Metrics.frameOut()
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				if err == nil {
					if rerr := session.Renew(hbCtx); rerr != nil {
						g.log.Warn("presence.renew.fail", "session_id", sessionID, "user_id", client.UserID, "err", rerr)
					}
				}
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			end := readEndFor(err)
			if end.recoverable {
				g.trySendError(ctx, client, "", opErr("realtime.ReadFrame", ErrInvalidArgument, "invalid JSON"))
				continue readLoop
			}
			if end.unexpected {
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
			}
			shutdown(end.code, end.reason)
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, env.ID, opErr("realtime.RateLimit", ErrInvalidState, "too many events"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.ID, opErr("realtime.Envelope", ErrInvalidArgument, err.Error()))
			continue readLoop
		}
		g.core.Metrics.frameIn(env.Type)

		if client.UserID == "" {
			// Unreachable after a successful handshake.
			g.trySendError(ctx, client, env.ID, opErr("realtime.Dispatch", ErrAuthentication, "no identity attached"))
			shutdown(websocket.StatusPolicyViolation, "unauthenticated")
			break readLoop
		}

		switch env.Type {
		case v1.TypeConnect:
			g.trySendError(ctx, client, env.ID, opErr("realtime.Connect", ErrInvalidState, "already connected"))
		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, client, env); err != nil {
				g.trySendError(ctx, client, env.ID, err)
			}
		case v1.TypeUnsubscribe:
			if err := g.onUnsubscribe(ctx, client, env); err != nil {
				g.trySendError(ctx, client, env.ID, err)
			}
		case v1.TypeSend:
			if err := g.onSend(ctx, session, env); err != nil {
				g.trySendError(ctx, client, env.ID, err)
			}
		default:
			g.trySendError(ctx, client, env.ID, opErr("realtime.Dispatch", ErrInvalidArgument, fmt.Sprintf("unsupported type: %s", env.Type)))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake reads the connect frame and verifies its credential. On failure
// the error frame is written directly and the connection closed.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn, r *http.Request) (Identity, bool) {
	const op = "realtime.Connect"

	readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	env, err := readEnvelope(readCtx, conn)
	readCancel()

	if err != nil {
		if !readEndFor(err).recoverable {
			g.log.Info("ws.connect.fail", "remote", r.RemoteAddr, "err", err)
			_ = conn.Close(websocket.StatusPolicyViolation, "connect timeout")
			return Identity{}, false
		}
		g.rejectConnect(ctx, conn, "", opErr(op, ErrInvalidArgument, "invalid JSON"), websocket.StatusPolicyViolation, "bad connect frame")
		return Identity{}, false
	}
	if err := env.Validate(); err != nil || env.Type != v1.TypeConnect {
		g.rejectConnect(ctx, conn, env.ID, opErr(op, ErrInvalidState, "connect must be the first frame"), websocket.StatusPolicyViolation, "connect required")
		return Identity{}, false
	}

	token := bearer.FromHeader(env.Header(v1.HeaderAuthorization))
	if token == "" {
		token = bearer.FromRequest(r)
	}

	ident, err := g.core.Auth.AuthenticateToken(token)
	if err != nil {
		g.log.Info("ws.auth.fail", "remote", r.RemoteAddr, "err", err)
		g.rejectConnect(ctx, conn, env.ID, err, websocket.StatusPolicyViolation, CodeUnauthenticated)
		return Identity{}, false
	}
	return ident, true
}

func (g *WSGateway) rejectConnect(ctx context.Context, conn *websocket.Conn, receiptID string, err error, code websocket.StatusCode, reason string) {
	_ = writeEnvelope(ctx, conn, errorEnvelope(receiptID, err), g.cfg.WriteTimeout)
	_ = conn.Close(code, reason)
}

// ---- handlers ----

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope) error {
	t, err := ParseTopic(env.Destination)
	if err != nil {
		return err
	}
	if g.core.Hub.IsSubscribed(t.Name, client.SessionID) {
		return opErr("realtime.Subscribe", ErrInvalidState, "already subscribed")
	}

	ack := func() {
		g.enqueue(ctx, client, g.topicAck(v1.TypeSubscribed, env))
	}

	switch t.Kind {
	case TopicPresence:
		return g.core.Presence.Subscribe(ctx, t, client, ack)
	default:
		return g.core.Rooms.Subscribe(ctx, t, client, ack)
	}
}

func (g *WSGateway) onUnsubscribe(ctx context.Context, client *Client, env v1.Envelope) error {
	t, err := ParseTopic(env.Destination)
	if err != nil {
		return err
	}
	if !g.core.Hub.Unsubscribe(t.Name, client.SessionID) {
		return opErr("realtime.Unsubscribe", ErrInvalidState, "not subscribed")
	}
	if !g.enqueue(ctx, client, g.topicAck(v1.TypeUnsubscribed, env)) {
		return errors.New("backpressure: unsubscribed")
	}
	return nil
}

func (g *WSGateway) onSend(ctx context.Context, session *Session, env v1.Envelope) error {
	client := session.Client()
	dest, err := ParseDestination(env.Destination)
	if err != nil {
		return err
	}

	receipt := v1.ReceiptPayload{ReceiptID: env.ID}

	switch dest.Kind {
	case DestRoomMessage:
		var p v1.RoomMessagePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		msg, err := g.core.Messages.Send(ctx, SendInput{
			RoomID:   dest.RoomID,
			SenderID: client.UserID,
			Content:  p.Content,
			Type:     p.Type,
			Kind:     RoomKindGroup,
		})
		if err != nil {
			return err
		}
		receipt.MessageID, receipt.RoomID = msg.ID, msg.RoomID

	case DestRoomTyping:
		if err := g.core.Messages.Typing(ctx, dest.RoomID, client.UserID); err != nil {
			return err
		}
		receipt.RoomID = dest.RoomID

	case DestDirectSend, DestDirectRoomSend:
		var p v1.DirectSendPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		roomID := dest.RoomID
		if dest.Kind == DestDirectSend {
			roomID, err = g.directTarget(ctx, client.UserID, p)
			if err != nil {
				return err
			}
		}
		msg, err := g.core.Messages.Send(ctx, SendInput{
			RoomID:   roomID,
			SenderID: client.UserID,
			Content:  p.Content,
			Kind:     RoomKindDirect,
		})
		if err != nil {
			return err
		}
		receipt.MessageID, receipt.RoomID = msg.ID, msg.RoomID

	case DestPresenceEnter:
		if err := session.Enter(ctx, dest.Channel); err != nil {
			return err
		}

	case DestPresenceExit:
		if err := session.Exit(ctx, dest.Channel); err != nil {
			return err
		}

	default:
		return opErr("realtime.Send", ErrInvalidArgument, "unknown destination")
	}

	p, _ := json.Marshal(receipt)
	out := newEnvelope(v1.TypeReceipt, p, time.Now().UTC())
	out.Destination = env.Destination
	out.Headers = map[string]string{v1.HeaderReceiptID: env.ID}
	if !g.enqueue(ctx, client, out) {
		return errors.New("backpressure: receipt")
	}
	return nil
}

// directTarget resolves the room of a dm/send frame: an explicit room id, or
// the direct room with partnerId, created on first contact.
func (g *WSGateway) directTarget(ctx context.Context, userID string, p v1.DirectSendPayload) (string, error) {
	roomID := strings.TrimSpace(p.RoomID)
	partnerID := strings.TrimSpace(p.PartnerID)
	switch {
	case roomID != "" && partnerID != "":
		return "", opErr("realtime.DirectSend", ErrInvalidArgument, "roomId and partnerId are exclusive")
	case roomID != "":
		return roomID, nil
	case partnerID != "":
		room, err := g.core.Rooms.FindOrCreateDirectRoom(ctx, userID, partnerID)
		if err != nil {
			return "", err
		}
		return room.ID, nil
	default:
		return "", opErr("realtime.DirectSend", ErrInvalidArgument, "missing roomId or partnerId")
	}
}

func (g *WSGateway) topicAck(typ string, env v1.Envelope) v1.Envelope {
	out := newEnvelope(typ, nil, time.Now().UTC())
	out.Destination = env.Destination
	if env.ID != "" {
		out.Headers = map[string]string{v1.HeaderReceiptID: env.ID}
	}
	return out
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return opErr("realtime.Send", ErrInvalidArgument, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return opErr("realtime.Send", ErrInvalidArgument, "invalid payload")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, receiptID string, err error) {
	if ErrorCode(err) == CodeInternal {
		g.log.Error("ws.dispatch.fail", "session_id", client.SessionID, "user_id", client.UserID, "err", err)
	}
	_ = g.enqueue(ctx, client, errorEnvelope(receiptID, err))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func errorEnvelope(receiptID string, err error) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: ErrorCode(err), Message: PublicMessage(err)})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	if receiptID != "" {
		env.Headers = map[string]string{v1.HeaderReceiptID: receiptID}
	}
	return env
}

// errBadFrame marks a frame that arrived intact but is not a JSON envelope.
type errBadFrame struct{ err error }

func (e errBadFrame) Error() string { return "bad frame: " + e.err.Error() }
func (e errBadFrame) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, errBadFrame{fmt.Errorf("unsupported message type: %v", mt)}
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadFrame{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read errors ----

// readEnd says how the session ends after a failed read. A recoverable
// failure is a malformed frame; the loop reports it and keeps reading.
type readEnd struct {
	code        websocket.StatusCode
	reason      string
	recoverable bool
	unexpected  bool
}

func readEndFor(err error) readEnd {
	var bad errBadFrame
	switch {
	case errors.As(err, &bad):
		return readEnd{recoverable: true}
	case websocket.CloseStatus(err) != -1:
		return readEnd{code: websocket.StatusNormalClosure, reason: "peer closed"}
	case errors.Is(err, context.DeadlineExceeded):
		return readEnd{code: websocket.StatusGoingAway, reason: "idle timeout"}
	case errors.Is(err, context.Canceled):
		return readEnd{code: websocket.StatusNormalClosure, reason: "context done"}
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readEnd{code: websocket.StatusAbnormalClosure, reason: "conn closed"}
	default:
		return readEnd{code: websocket.StatusAbnormalClosure, reason: "read failed", unexpected: true}
	}
}

// closeStatusFor picks the close code for a session ended outside the
// handler.
func closeStatusFor(reason string) websocket.StatusCode {
	switch reason {
	case CloseReasonSlowConsumer:
		return websocket.StatusTryAgainLater
	case CloseReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}
