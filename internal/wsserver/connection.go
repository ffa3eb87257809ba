package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wisbric/meetrelay/internal/auth"
	"github.com/wisbric/meetrelay/pkg/meet"
	"github.com/wisbric/meetrelay/pkg/wsproto"
)

// outboundBufferSize bounds the channel joining the reader's dispatch
// results and the relay pump to the single writer goroutine (spec.md §4.5:
// "reader and writer, joined by a bounded channel").
const outboundBufferSize = 64

// conn is one WebSocket connection's state: an independent
// session-in-progress per spec.md §4.5. Every field below except those
// explicitly marked is owned by a single goroutine (reader, writer, or
// relay pump) and never touched from another.
type conn struct {
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	remoteAddr string
	connID     string

	outbound chan wsproto.Envelope

	mu           sync.Mutex // guards the fields below, written by bind and read by unsubscribe
	sessionToken string
	meetID       string
	locationName string
	priority     int
	handle       *meet.Handle
	subscribed   bool
}

func newConn(s *Server, ws *websocket.Conn, remoteAddr string) *conn {
	return &conn{
		server:     s,
		ws:         ws,
		logger:     s.logger.With("conn_id", uuid.New().String()),
		remoteAddr: remoteAddr,
		outbound:   make(chan wsproto.Envelope, outboundBufferSize),
	}
}

// run drives the connection until the socket closes. The reader is
// cancelled on socket close or fatal protocol error; cancellation triggers
// unsubscribe and writer shutdown (spec.md §4.5, §5).
func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	relayCh := make(chan meet.AcceptedUpdate, meet.SubscriberBufferSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.relayPump(ctx, relayCh)
	}()

	c.readLoop(ctx, cancel, relayCh)

	c.unsubscribe(context.Background())
	cancel()
	wg.Wait()
	close(c.outbound)
	c.ws.Close()
}

// readLoop is the reader task: it parses each frame, validates it, and
// dispatches to the auth layer or meet actor.
func (c *conn) readLoop(ctx context.Context, cancel context.CancelFunc, relayCh chan meet.AcceptedUpdate) {
	c.ws.SetReadLimit(wsproto.MaxFrameBytes())
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := wsproto.DecodeEnvelope(raw)
		if err != nil {
			c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "malformed message"})
			continue
		}

		if err := c.dispatch(ctx, env, relayCh); err != nil {
			if err == errFatalProtocol {
				return
			}
		}
	}
}

// writeLoop is the sole goroutine that writes to the socket, serializing
// every ack/reject/relay frame in the order they were enqueued (spec.md
// §5: "within a single client connection, ack and relay frames are
// written in the order the actor emitted them").
func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// relayPump forwards the meet actor's relay stream onto the shared
// outbound channel, one UpdateRelay frame per accepted update.
func (c *conn) relayPump(ctx context.Context, relayCh chan meet.AcceptedUpdate) {
	for {
		select {
		case u, ok := <-relayCh:
			if !ok {
				return
			}
			c.send(wsproto.TypeUpdateRelay, wsproto.UpdateRelayPayload{
				Relays: []wsproto.RelayEntry{{
					ServerSeq:           u.ServerSeq,
					Location:            u.Location,
					Value:               u.Value,
					OriginatingLocation: u.OriginatingLocation,
				}},
			})
		case <-ctx.Done():
			return
		}
	}
}

// errFatalProtocol signals the reader to close the connection rather than
// continuing (spec.md §7: transport-level failures close the connection;
// everything else gets a typed frame and stays open).
var errFatalProtocol = &protocolError{}

type protocolError struct{}

func (*protocolError) Error() string { return "fatal protocol error" }

// send marshals payload into an envelope and enqueues it for the writer.
// It never blocks indefinitely: if the outbound channel is full the
// connection is already unhealthy and about to be torn down by the
// writer's own deadline logic, so a blocked send here would just wedge
// the reader too.
func (c *conn) send(msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshaling outbound payload", "error", err, "type", msgType)
		return
	}
	env := wsproto.Envelope{Type: msgType, Payload: raw}
	select {
	case c.outbound <- env:
	default:
		c.logger.Warn("outbound buffer full, dropping frame", "type", msgType)
	}
}

// dispatch routes one validated or to-be-validated frame. Session binding
// (meetID/handle/locationName/priority) is read and written only from the
// reader goroutine's call into dispatch and by unsubscribe once the
// reader has returned; the relay pump never touches it.
func (c *conn) dispatch(ctx context.Context, env wsproto.Envelope, relayCh chan meet.AcceptedUpdate) error {
	switch env.Type {
	case wsproto.TypeCreateMeet:
		return c.handleCreateMeet(ctx, env, relayCh)
	case wsproto.TypeJoinMeet:
		return c.handleJoinMeet(ctx, env, relayCh)
	case wsproto.TypeUpdateInit:
		return c.handleUpdateInit(ctx, env)
	case wsproto.TypeClientPull:
		return c.handleClientPull(ctx, env)
	case wsproto.TypePublishMeet:
		return c.handlePublishMeet(ctx, env)
	default:
		c.send(wsproto.TypeUnknownMessageType, wsproto.UnknownMessageTypePayload{MsgType: env.Type})
		return nil
	}
}

// bind records the accepted session's identity on the connection and
// subscribes it to its meet's relay stream.
func (c *conn) bind(ctx context.Context, sess *auth.Session, h *meet.Handle, relayCh chan meet.AcceptedUpdate) error {
	c.mu.Lock()
	c.sessionToken = sess.Token
	c.meetID = sess.MeetID
	c.locationName = sess.Location
	c.priority = sess.Priority
	c.handle = h
	c.subscribed = true
	c.mu.Unlock()

	return h.Subscribe(ctx, sess.Token, relayCh)
}

// unsubscribe deregisters this connection from its meet, if it ever bound
// one. Safe to call multiple times.
func (c *conn) unsubscribe(ctx context.Context) {
	c.mu.Lock()
	h := c.handle
	token := c.sessionToken
	subscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()

	if subscribed && h != nil {
		_ = h.Unsubscribe(ctx, token)
	}
}

// currentSession resolves and validates the bearer token against the
// session table, returning the bound meet handle. Every non-admission
// message requires this to succeed before touching a meet actor (spec.md
// §4.5 step 4).
func (c *conn) currentSession(token string) (*auth.Session, *meet.Handle, bool) {
	sess, ok := c.server.sessions.Validate(token)
	if !ok {
		return nil, nil, false
	}
	h, err := c.server.registry.Get(sess.MeetID)
	if err != nil {
		return nil, nil, false
	}
	return sess, h, true
}
