package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn adapts a raw WebSocket connection to frameConn. Writes are
// serialized; gobwas connections are not safe for concurrent writers.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerText(c.conn, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades the request and pumps frames for one content script.
// Query param tabId identifies which tab the script runs in.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tabID := r.URL.Query().Get("tabId")
	if tabID == "" {
		http.Error(w, "tabId required", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Error("ws upgrade failed", "tabId", tabID, "err", err)
		return
	}

	c := &wsConn{conn: conn}
	h.Register(tabID, c)
	defer func() {
		h.Unregister(tabID, c)
		_ = conn.Close()
	}()

	// Inbound flows live no longer than the connection that carried them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			if err != io.EOF {
				slog.Debug("ws read", "tabId", tabID, "err", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("bad frame from content script", "tabId", tabID, "err", err)
			continue
		}
		h.HandleFrame(ctx, tabID, c, f)
	}
}
