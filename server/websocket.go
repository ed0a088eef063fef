package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thalynlabs/mudscape/relay"
	"github.com/thalynlabs/mudscape/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from anywhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

func remoteSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsClient is one websocket speaking the transport protocol, bridged to a
// relay connection.
type wsClient struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	conn    *relay.Connection
}

func (c *wsClient) send(ev transport.Inbound) {
	b, err := transport.EncodeInbound(ev)
	if err != nil {
		log.Printf("encoding %T: %v", ev, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Printf("%s: writing to websocket: %v", c.conn.ID(), err)
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrading websocket from %s: %v", r.RemoteAddr, err)
		return
	}
	defer ws.Close()

	release, err := s.supervisor.Admit(remoteSource(r))
	if err != nil {
		log.Printf("refusing websocket from %s: %v", r.RemoteAddr, err)
		reject(ws, err)
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	c := &wsClient{ws: ws}
	c.conn = s.supervisor.NewConnection(c.send)
	defer c.conn.Disconnect()

	log.Printf("%s: websocket client %s", c.conn.ID(), r.RemoteAddr)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("%s: reading websocket: %v", c.conn.ID(), err)
			}
			return
		}
		req, err := transport.DecodeOutbound(msg)
		if err != nil {
			c.send(transport.Error{Message: err.Error()})
			continue
		}
		if _, isConnect := req.(transport.Connect); isConnect {
			// Connects dial; keep reading so a disconnect can abandon them.
			go c.handle(ctx, req)
			continue
		}
		c.handle(ctx, req)
	}
}

// reject sends err as an error event and closes the socket.
func reject(ws *websocket.Conn, err error) {
	b, encErr := transport.EncodeInbound(transport.Error{Message: err.Error()})
	if encErr != nil {
		log.Printf("encoding rejection: %v", encErr)
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return
	}
	closing := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "")
	ws.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
}

func (c *wsClient) handle(ctx context.Context, req transport.Outbound) {
	if err := c.conn.Handle(ctx, req); err != nil {
		log.Printf("%s: %s: %v", c.conn.ID(), req.Kind(), err)
	}
}
