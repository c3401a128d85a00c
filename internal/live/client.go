package live

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// clientWriter owns all writes to one connection.
type clientWriter struct {
	id     string
	remote string
	conn   *websocket.Conn
	clock  clockwork.Clock

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClientWriter(id, remote string, conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		id:     id,
		remote: remote,
		conn:   conn,
		clock:  clock,
		send:   make(chan []byte, messageBufferSize),
		done:   make(chan struct{}),
	}
	cw.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		cw.extendReadDeadline()
		return nil
	})
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.send:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = cw.conn.Close()
				return
			}
		case <-ticker.Chan():
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = cw.conn.Close()
				return
			}
		case <-cw.done:
			return
		}
	}
}

// enqueue never blocks; false means the client is too slow.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case cw.send <- msg:
		return true
	default:
		return false
	}
}

// stop sends a close frame with reason and closes the connection.
func (cw *clientWriter) stop(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.done)
		// the writer goroutine must exit before the close frame is written
		cw.wg.Wait()
		_ = cw.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = cw.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		_ = cw.conn.Close()
	})
}

func (cw *clientWriter) extendReadDeadline() {
	_ = cw.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}
