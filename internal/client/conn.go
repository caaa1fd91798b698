package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnClosed    = errors.New("signaling connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	connWriteWait  = 5 * time.Second
	connSendBuffer = 64
)

// Handler receives every server event in arrival order.
type Handler func(env protocol.Envelope)

// Conn is the client side of the signaling socket. It registers the user on
// dial and implements Signaler.
type Conn struct {
	ws   *websocket.Conn
	self domain.UserID
	send chan []byte
	done chan struct{}

	mu       sync.RWMutex
	handlers []Handler
	closed   bool
	err      error
	once     sync.Once
}

// Dial connects to the signaling endpoint and sends register-user.
func Dial(ctx context.Context, url string, self domain.UserID, header http.Header) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		ws:   ws,
		self: self,
		send: make(chan []byte, connSendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	if err := c.Emit(protocol.EventRegisterUser, protocol.RegisterUser{UserID: string(self)}); err != nil {
		c.Close()
		return nil, err
	}
	log.Info().Str("module", "client").Str("user", string(self)).Str("url", url).Msg("signaling connected")
	return c, nil
}

// OnEvent adds a handler. Handlers run on the read goroutine.
func (c *Conn) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Conn) Emit(ev protocol.Event, payload any) error {
	frame, err := protocol.Encode(ev, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Conn) JoinRoom(id domain.RoomID) error {
	return c.Emit(protocol.EventJoinRoom, protocol.RoomRef{RoomID: string(id)})
}

func (c *Conn) LeaveRoom(id domain.RoomID) error {
	return c.Emit(protocol.EventLeaveRoom, protocol.RoomRef{RoomID: string(id)})
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a local Close.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Conn) Close() {
	c.shutdown(nil)
}

func (c *Conn) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		close(c.send)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) writePump() {
	defer func() { _ = c.ws.Close() }()
	for frame := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(connWriteWait)); err != nil {
			c.shutdown(err)
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("write failed")
			c.shutdown(err)
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(connWriteWait))
}

func (c *Conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Info().Err(err).Str("module", "client").Str("user", string(c.self)).Msg("signaling closed")
			}
			c.shutdown(err)
			_ = c.ws.Close()
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad frame")
			continue
		}
		if env.Event == protocol.EventError {
			var e protocol.ErrorEvent
			if env.DecodeData(&e) == nil {
				log.Warn().Str("module", "client").Str("event", e.Event).Str("reason", e.Reason).Msg("server error")
			}
		}
		c.mu.RLock()
		handlers := c.handlers
		c.mu.RUnlock()
		for _, h := range handlers {
			h(env)
		}
	}
}
