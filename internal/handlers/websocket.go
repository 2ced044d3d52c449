package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mossy-p/pair-signaling/config"
	"github.com/mossy-p/pair-signaling/internal/models"
	"github.com/mossy-p/pair-signaling/internal/relay"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	storeTimeout = 5 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Signaling upgrades browser and Go peers to the relay.
type Signaling struct {
	hub *relay.Hub
	cfg config.SignalConfig
}

func NewSignaling(hub *relay.Hub, cfg config.SignalConfig) *Signaling {
	return &Signaling{hub: hub, cfg: cfg}
}

// Client represents a WebSocket client connection
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

// HandleSignaling handles WebSocket connections for WebRTC signaling. On
// /ws/signal/:roomId the connection joins the room right away; on /ws it
// waits for a join message.
func (s *Signaling) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: s.newLimiter(),
		done:    make(chan struct{}),
	}
	s.hub.Register(client)
	log.Printf("Peer %s connected from %s", client.id, conn.RemoteAddr())

	// Join before the read pump exists so its Unregister always sees the
	// membership, even when the socket is already dead.
	if roomID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.hub.Join(ctx, client.id, roomID); err != nil {
			log.Printf("Peer %s could not join room %s: %v", client.id, roomID, err)
		}
		cancel()
	}

	go client.writePump()
	go client.readPump(s.hub, s.cfg.MaxMessageBytes)
}

func (s *Signaling) newLimiter() *rate.Limiter {
	if s.cfg.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
}

func (c *Client) ID() string {
	return c.id
}

// Send queues msg for the write pump. It never blocks the caller.
func (c *Client) Send(msg models.SignalMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close flushes queued messages and closes the socket. Safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump(hub *relay.Hub, maxMessageBytes int64) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		hub.Unregister(ctx, c.id)
		cancel()
		c.Close()
		log.Printf("Peer %s disconnected", c.id)
	}()

	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.Send(models.SignalMessage{Type: models.SignalTypeError, Error: "rate limit exceeded"})
			continue
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse message from %s: %v", c.id, err)
			c.Send(models.SignalMessage{Type: models.SignalTypeError, Error: "malformed message"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := hub.Handle(ctx, c.id, msg); err != nil {
			log.Printf("Peer %s %s: %v", c.id, msg.Type, err)
		}
		cancel()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.drain()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
