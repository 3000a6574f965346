// Package ws is the WebSocket transport: one goroutine pair per connection
// (reader drives the session, writer drains the connector queue), with the
// hello-first handshake enforced before any other frame is honored.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/domain/event"
	"github.com/webitel/im-message-plane/internal/gateway"
	wsproto "github.com/webitel/im-message-plane/internal/handler/marshaller/ws"
	"github.com/webitel/im-message-plane/internal/service"
)

const (
	handshakeWait = 10 * time.Second
	writeWait     = 10 * time.Second
	maxFrameSize  = 1 << 20

	replyTimeout = time.Second
)

type Handler struct {
	gw        *gateway.Gateway
	auth      service.Auther
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

func NewHandler(gw *gateway.Gateway, auth service.Auther, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		gw:     gw,
		auth:   auth,
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin through the LB.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeat: cfg.Gateway.HeartbeatInterval,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer c.Close()

	c.SetReadLimit(maxFrameSize)

	sess, err := h.handshake(r.Context(), c)
	if err != nil {
		h.logger.Debug("handshake rejected", "remote", r.RemoteAddr, "err", err)
		h.writeDirect(c, wsproto.ByeFrame("handshake failed"))
		return
	}
	defer h.gw.Disconnect(context.WithoutCancel(r.Context()), sess)

	go h.writePump(c, sess)

	h.reply(sess, wsproto.HelloFrame(sess.ID()))
	h.readPump(r.Context(), c, sess)
}

// handshake enforces hello-first: the opening frame authenticates or the
// connection dies.
func (h *Handler) handshake(ctx context.Context, c *websocket.Conn) (*gateway.Session, error) {
	_ = c.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := wsproto.Decode(data)
	if err != nil {
		return nil, err
	}
	if f.Type != wsproto.FrameHello {
		return nil, errors.New("ws: first frame must be hello")
	}
	if f.DeviceID == "" {
		return nil, errors.New("ws: hello without device_id")
	}

	userID, err := h.auth.Verify(f.Token)
	if err != nil {
		return nil, err
	}
	return h.gw.Connect(ctx, userID, f.DeviceID, f.ResumeFromSeq)
}

// readPump owns the read side until the client leaves or errors out. The
// read deadline rides on heartbeats: a client that misses two intervals is
// considered gone.
func (h *Handler) readPump(ctx context.Context, c *websocket.Conn, sess *gateway.Session) {
	readWait := 2 * h.heartbeat
	_ = c.SetReadDeadline(time.Now().Add(readWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read error", "session_id", sess.ID(), "err", err)
			}
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(readWait))

		f, err := wsproto.Decode(data)
		if err != nil {
			h.reply(sess, wsproto.ErrorFrame("bad_frame", err.Error()))
			continue
		}

		switch f.Type {
		case wsproto.FrameHeartbeat:
			if err := h.gw.Heartbeat(ctx, sess); err != nil {
				h.reply(sess, wsproto.ByeFrame("lease lost, reconnect"))
				return
			}
			h.reply(sess, &wsproto.Frame{Type: wsproto.FrameHeartbeat})

		case wsproto.FrameSend:
			h.handleSend(ctx, sess, f)

		case wsproto.FrameAck:
			if err := h.gw.Ack(ctx, sess, f.MsgID); err != nil {
				h.logger.Warn("ack handling failed",
					"session_id", sess.ID(), "msg_id", f.MsgID, "err", err)
			}

		case wsproto.FrameBye:
			return

		case wsproto.FrameHello:
			h.reply(sess, wsproto.ErrorFrame("already_authenticated", "hello after handshake"))

		default:
			h.reply(sess, wsproto.ErrorFrame("bad_frame", "unexpected frame type"))
		}
	}
}

func (h *Handler) handleSend(ctx context.Context, sess *gateway.Session, f *wsproto.Frame) {
	msg, err := f.Message()
	if err != nil {
		h.reply(sess, wsproto.ErrorFrame("invalid_argument", err.Error()))
		return
	}
	out, err := h.gw.Send(ctx, sess, msg)
	switch {
	case errors.Is(err, gateway.ErrNotAccepting):
		h.reply(sess, wsproto.ErrorFrame("draining", "session no longer accepts sends"))
	case err != nil:
		h.reply(sess, wsproto.ErrorFrame("unavailable", err.Error()))
	default:
		h.reply(sess, wsproto.AckFrame(out.MsgID, out.Sequence, string(out.Path), out.Duplicate))
	}
}

// writePump is the single writer for the socket. Deliver frames get their
// ack timer armed here, at actual transmission time.
func (h *Handler) writePump(c *websocket.Conn, sess *gateway.Session) {
	pingPeriod := h.heartbeat
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sess.Conn().Recv():
			if !ok {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			data, err := wsproto.EncodeEvent(ev)
			if err != nil {
				h.logger.Warn("encode event failed", "session_id", sess.ID(), "err", err)
				continue
			}
			if de, ok := ev.(*event.DeliverEvent); ok {
				sess.Acks().Track(de.Message())
			}
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sess.Closed():
			return
		}
	}
}

// reply routes a server frame through the connector queue so the writer pump
// stays the only socket writer.
func (h *Handler) reply(sess *gateway.Session, f *wsproto.Frame) {
	ev := event.NewSystemEvent(sess.UserID(), event.Connected, event.PriorityNormal, f)
	if !sess.Conn().Send(ev, replyTimeout) {
		h.logger.Debug("reply dropped, queue saturated",
			"session_id", sess.ID(), "frame", string(f.Type))
	}
}

// writeDirect is for pre-session failures only, before any pump exists.
func (h *Handler) writeDirect(c *websocket.Conn, f *wsproto.Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.WriteMessage(websocket.TextMessage, data)
}
