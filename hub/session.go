package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// NetworkSession abstracts the subscriber transport so pumps are testable
// without a real socket.
type NetworkSession interface {
	Close(errCode string)
	Write(data []byte) error
	Read() ([]byte, error)
	Ping() error
}

type wsSession struct {
	socket *websocket.Conn
}

func (ws *wsSession) Write(data []byte) error {
	return ws.socket.WriteMessage(websocket.TextMessage, data)
}

func (ws *wsSession) Ping() error {
	return ws.socket.WriteMessage(websocket.PingMessage, nil)
}

func (ws *wsSession) Read() ([]byte, error) {
	_, p, err := ws.socket.ReadMessage()
	return p, err
}

func (ws *wsSession) Close(errCode string) {
	ws.socket.SetWriteDeadline(time.Now().Add(time.Second * 20))
	ws.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, errCode))
	ws.socket.Close()
}

func newWSSession(conn *websocket.Conn) *wsSession {
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		return nil
	})
	return &wsSession{socket: conn}
}

// writePump forwards notifications to the session and pings it on the
// heartbeat interval so dead connections surface as write errors.
func writePump(sub *Subscriber, session NetworkSession, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-sub.ch:
			if !ok {
				session.Close("")
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if err := session.Write(data); err != nil {
				session.Close("")
				return
			}
		case <-ticker.C:
			if err := session.Ping(); err != nil {
				session.Close("")
				return
			}
		}
	}
}

// readPump drains inbound frames until the connection dies. Subscribers are
// listeners; anything they send is discarded, rate-limited so a hostile
// client cannot spin the loop.
func readPump(session NetworkSession, limiter *rate.Limiter) {
	for {
		if _, err := session.Read(); err != nil {
			return
		}
		if !limiter.Allow() {
			session.Close("rate-limited")
			return
		}
	}
}
