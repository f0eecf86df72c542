package panel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/asterisk-panel/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// viewer is one websocket connection. Only writePump writes to conn.
type viewer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.send) })
}

// hub tracks connected viewers and fans messages out to them.
type hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

func newHub(log *slog.Logger, m *metrics.Metrics) *hub {
	return &hub{
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the panel is served to the operator LAN
			},
		},
		viewers: make(map[*viewer]struct{}),
	}
}

func (h *hub) add(v *viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()
	h.metrics.SetViewers(n)
	h.log.Info("viewer connected", "viewers", n)
}

func (h *hub) remove(v *viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v]
	delete(h.viewers, v)
	n := len(h.viewers)
	h.mu.Unlock()
	if !ok {
		return
	}
	v.close()
	h.metrics.SetViewers(n)
	h.log.Info("viewer disconnected", "viewers", n)
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// broadcast queues msg for every viewer. A viewer whose buffer is full is
// too slow to keep up and is disconnected.
func (h *hub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encoding broadcast", "err", err)
		return
	}

	h.mu.Lock()
	var slow []*viewer
	for v := range h.viewers {
		select {
		case v.send <- data:
		default:
			slow = append(slow, v)
		}
	}
	h.mu.Unlock()

	for _, v := range slow {
		h.log.Warn("viewer too slow, disconnecting", "remote", v.conn.RemoteAddr())
		h.remove(v)
	}
}

// sendTo queues msg for one viewer.
func (h *hub) sendTo(v *viewer, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encoding reply", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; !ok {
		return
	}
	select {
	case v.send <- data:
	default:
		h.log.Warn("viewer buffer full, reply dropped", "remote", v.conn.RemoteAddr())
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	viewers := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		h.remove(v)
	}
}

func (h *hub) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case data, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(v)
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(v)
				return
			}
		}
	}
}
