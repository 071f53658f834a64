// Package main provides a CI-friendly WebSocket smoke test for studyhub realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - connect/connected session establishment with a bearer credential
//   - room and presence subscriptions
//   - presence enter -> count broadcast
//   - send -> receipt, and fan-out of the message to another session
//   - presence sweep when a session disconnects
//
// Both users must be JOINED members of --room.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "studyhub/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = pflag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = pflag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = pflag.String("token-a", os.Getenv("STUDYHUB_SMOKE_TOKEN_A"), "bearer token of the sending user")
		tokenB  = pflag.String("token-b", os.Getenv("STUDYHUB_SMOKE_TOKEN_B"), "bearer token of the receiving user")
		roomID  = pflag.String("room", "", "group room both users have joined")
		text    = pflag.String("text", "hello studyhub", "Message text to send")
		timeout = pflag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "Verbose output")
	)
	pflag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}
	if *tokenA == "" || *tokenB == "" || strings.TrimSpace(*roomID) == "" {
		fatalf("--token-a, --token-b and --room are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.sessionID, a.userID, b.sessionID, b.userID, *origin)
	}

	roomTopic := "sub/room/" + *roomID
	channel := "room/" + *roomID
	presenceTopic := "sub/presence/" + channel

	mustSubscribe(root, a, roomTopic, *timeout)
	mustSubscribe(root, b, roomTopic, *timeout)
	mustSubscribe(root, b, presenceTopic, *timeout)
	base := mustPresenceCount(root, b, channel, -1, *timeout)

	mustSend(root, a, "presence/enter/"+channel, struct{}{}, *timeout)
	mustPresenceCount(root, b, channel, base+1, *timeout)

	receipt := mustSend(root, a, "room/"+*roomID+"/message", v1.RoomMessagePayload{Content: *text}, *timeout)
	if strings.TrimSpace(receipt.MessageID) == "" {
		fatalf("receipt missing messageId (A)")
	}
	view := mustRoomMessage(root, b, roomTopic, *timeout)
	if view.ID != receipt.MessageID || view.Content != strings.TrimSpace(*text) || view.SenderID != a.userID {
		fatalf("fan-out mismatch (B): got id=%q content=%q sender=%q", view.ID, view.Content, view.SenderID)
	}
	if view.Seq <= 0 || view.CreatedAt.IsZero() {
		fatalf("fan-out missing seq/createdAt (B)")
	}

	closeWS(a.conn)
	mustPresenceCount(root, b, channel, base, *timeout)

	fmt.Printf("OK: A=%s B=%s room_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, *roomID, view.Seq, view.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConnect,
		ID:      name + "-connect",
		Headers: map[string]string{v1.HeaderAuthorization: "Bearer " + token},
		TS:      time.Now().UTC(),
	}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout)

	var p v1.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal connected payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("connected missing sessionId/userId (%s)", name)
	}
	c.sessionID, c.userID = p.SessionID, p.UserID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-sub-%d", c.name, time.Now().UnixNano())
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:           v1.Version,
		Type:        v1.TypeSubscribe,
		ID:          id,
		Destination: topic,
		TS:          time.Now().UTC(),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout)
	if ack.Destination != topic || ack.Header(v1.HeaderReceiptID) != id {
		fatalf("subscribed mismatch (%s): destination=%q receipt=%q", c.name, ack.Destination, ack.Header(v1.HeaderReceiptID))
	}
}

func mustSend(parent context.Context, c *smokeClient, destination string, payload any, stepTimeout time.Duration) v1.ReceiptPayload {
	id := fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano())
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:           v1.Version,
		Type:        v1.TypeSend,
		ID:          id,
		Destination: destination,
		TS:          time.Now().UTC(),
		Payload:     mustJSON(payload),
	}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeReceipt, stepTimeout)

	var p v1.ReceiptPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receipt payload (%s): %v", c.name, err)
	}
	if p.ReceiptID != id {
		fatalf("receipt id mismatch (%s): got=%q want=%q", c.name, p.ReceiptID, id)
	}
	return p
}

// mustPresenceCount waits for a presence frame on channel. want < 0 accepts
// any count.
func mustPresenceCount(parent context.Context, c *smokeClient, channel string, want int64, stepTimeout time.Duration) int64 {
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)
	for env.Header(v1.HeaderEvent) != "presence" {
		env = c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)
	}

	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal presence payload (%s): %v", c.name, err)
	}
	if p.Channel != channel {
		fatalf("presence channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
	if want >= 0 && p.Count != want {
		fatalf("presence count mismatch (%s): got=%d want=%d", c.name, p.Count, want)
	}
	return p.Count
}

func mustRoomMessage(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) v1.MessageView {
	for {
		env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)
		if env.Destination != topic || env.Header(v1.HeaderEvent) != "message" {
			continue
		}
		var mv v1.MessageView
		if err := json.Unmarshal(env.Payload, &mv); err != nil {
			fatalf("unmarshal message view (%s): %v", c.name, err)
		}
		return mv
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Typing and presence frames interleave freely with acks.
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
