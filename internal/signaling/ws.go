package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	maxReadSize = 8 << 20
)

// ServeConn pumps messages between conn and the hub until either side closes.
// It disconnects p on return.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, p *Peer) {
	defer conn.Close()
	defer h.Disconnect(p)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, p)
		// Unblocks the reader when the hub dropped p.
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				h.logger.Debug("signaling read ended", zap.String("room_id", p.RoomID), zap.String("user_id", p.UserID), zap.Error(err))
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			h.wsCount("inbound", "invalid")
			h.reply(p, protocol.Error{
				Header: protocol.Header{RoomID: p.RoomID},
				Code:   "invalid-message",
				Detail: err.Error(),
			})
			continue
		}
		h.wsCount("inbound", string(msg.Kind()))
		h.Route(p, msg)
	}
	cancel()
	<-writerDone
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, p *Peer) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-p.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "dropped"), time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg := <-p.Outbound():
			data, err := protocol.Encode(msg)
			if err != nil {
				h.logger.Error("encode outbound message", zap.String("type", string(msg.Kind())), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.wsCount("outbound", "write_error")
				return
			}
			h.wsCount("outbound", string(msg.Kind()))
		}
	}
}

// reply sends a message straight to p, bypassing routing.
func (h *Hub) reply(p *Peer, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver(p, msg)
}

func (h *Hub) wsCount(direction, typ string) {
	if h.metrics != nil {
		h.metrics.WSMessages.WithLabelValues(direction, typ).Inc()
	}
}

// IsClosed reports whether err means the connection ended normally.
func IsClosed(err error) bool {
	return errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
