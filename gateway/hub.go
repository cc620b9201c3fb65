package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rookery-im/rookery-go/event"
)

const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a subscriber may stay silent before the read
	// side gives up. Pings go out at pingPeriod to keep healthy
	// subscribers inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Subscribers never send application frames; the read limit only has
	// to admit control traffic.
	maxClientMessage = 512

	hubBuffer    = 256
	clientBuffer = 64
)

// hub fans the node's event stream out to every connected websocket
// subscriber. A subscriber that stops reading is dropped rather than allowed
// to stall the stream for everyone else.
type hub struct {
	log *slog.Logger
	bus *event.Bus

	register   chan *client
	unregister chan *client
	clients    map[*client]struct{}

	// done is closed when run exits so that late add/remove calls cannot
	// block on a loop that is no longer receiving.
	done chan struct{}
}

func newHub(bus *event.Bus, log *slog.Logger) *hub {
	return &hub{
		log:        log,
		bus:        bus,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]struct{}),
		done:       make(chan struct{}),
	}
}

// run owns the subscriber set. It exits when ctx is cancelled, closing every
// remaining subscriber.
func (h *hub) run(ctx context.Context) {
	sub := h.bus.Subscribe(hubBuffer, event.Filter{})
	defer sub.Close()
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			delete(h.clients, c)
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					delete(h.clients, c)
					c.close()
					h.log.Debug("dropped slow event subscriber")
				}
			}
		}
	}
}

func (h *hub) shutdown() {
	for c := range h.clients {
		c.close()
	}
	h.clients = nil
	close(h.done)
}

func (h *hub) add(c *client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

func (h *hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// client is one websocket subscriber. The stream is one-way; inbound frames
// beyond control traffic are discarded.
type client struct {
	hub  *hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(h *hub, ws *websocket.Conn) *client {
	return &client{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
	}()

	c.ws.SetReadLimit(maxClientMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
