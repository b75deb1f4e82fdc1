package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 4096
)

// WSConn adapts a gorilla websocket to Conn. Writes are serialized.
type WSConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws, closed: make(chan struct{})}
}

func (c *WSConn) Send(ctx context.Context, msg *Message) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection has been closed from either side.
func (c *WSConn) Done() <-chan struct{} {
	return c.closed
}

type inbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Serve registers ws for userID, greets the client and then reads frames
// until the socket closes or ctx ends. Clients send {"type":"heartbeat"} to
// stay alive and {"type":"ack","id":"<notification id>"} to confirm receipt.
func (s *Service) Serve(ctx context.Context, userID string, appIDs []string, ws *websocket.Conn) error {
	conn := NewWSConn(ws)
	id, err := s.Connect(ctx, userID, appIDs, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() {
		if err := s.Disconnect(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Error(err, "failed to remove connection", "connection_id", id.String())
		}
	}()

	if err := conn.Send(ctx, &Message{
		Type:      MessageConnected,
		ID:        id.String(),
		Timestamp: s.now(),
	}); err != nil {
		return err
	}

	ws.SetReadLimit(maxInboundSize)
	ws.SetPongHandler(func(string) error {
		return s.touch(ctx, id)
	})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()

	for {
		var in inbound
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "connection_id", id.String(), "error", err.Error())
			}
			return nil
		}
		switch in.Type {
		case "heartbeat", "ping":
			if err := s.touch(ctx, id); err != nil {
				return err
			}
		case "ack":
			nid, err := uuid.Parse(in.ID)
			if err != nil {
				s.logger.Debug("ignoring ack with bad id", "connection_id", id.String(), "id", in.ID)
				continue
			}
			s.ack(ctx, userID, appIDs, nid)
		default:
			s.logger.Debug("ignoring inbound frame", "connection_id", id.String(), "type", in.Type)
		}
	}
}

func (s *Service) touch(ctx context.Context, id uuid.UUID) error {
	err := s.conns.Touch(ctx, id, s.now())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("heartbeat failed", "connection_id", id.String(), "error", err.Error())
	}
	return err
}
