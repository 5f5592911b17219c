package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Resolver maps a rendezvous id to a dialable websocket URL
// (ws://host:port/sync/<id>). Typically backed by the device config's
// peer address book.
type Resolver func(remoteID string) (string, error)

// WebSocket carries sessions over websocket connections. Text frames map
// to KindText and binary frames to KindBinary, so the attachment control
// channel and the document update channel stay distinguished by frame
// type rather than by sniffing.
type WebSocket struct {
	listenAddr string
	resolver   Resolver
	log        *zap.Logger
	reconnect  chan struct{}
	upgrader   websocket.Upgrader
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a websocket transport. listenAddr is the local
// HTTP bind address used by Listen; resolver turns peer ids into URLs
// for Dial.
func NewWebSocket(listenAddr string, resolver Resolver, log *zap.Logger) *WebSocket {
	return &WebSocket{
		listenAddr: listenAddr,
		resolver:   resolver,
		log:        log,
		reconnect:  make(chan struct{}, 1),
	}
}

// Dial resolves remoteID and opens a websocket connection to it.
func (w *WebSocket) Dial(ctx context.Context, remoteID string) (Conn, error) {
	url, err := w.resolver(remoteID)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", remoteID, err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}
	return newWSConn(ws, remoteID), nil
}

// Listen serves websocket upgrades at /sync/<localID> on the configured
// bind address. If the listener dies it is restarted after a short
// delay, and each successful restart pulses Reconnected so the topology
// layer can redial.
func (w *WebSocket) Listen(localID string, accept func(Conn)) (func(), error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/"+localID, func(rw http.ResponseWriter, r *http.Request) {
		ws, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		remote := r.URL.Query().Get("from")
		go accept(newWSConn(ws, remote))
	})

	stopped := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopped) }) }

	go func() {
		first := true
		for {
			select {
			case <-stopped:
				return
			default:
			}
			srv := &http.Server{Addr: w.listenAddr, Handler: mux}
			go func() {
				<-stopped
				srv.Close()
			}()
			if !first {
				w.signalReconnect()
			}
			first = false
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				w.log.Warn("listener stopped; restarting", zap.Error(err))
			}
			select {
			case <-stopped:
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	return stop, nil
}

// Reconnected pulses after the listener has been re-established.
func (w *WebSocket) Reconnected() <-chan struct{} {
	return w.reconnect
}

func (w *WebSocket) signalReconnect() {
	select {
	case w.reconnect <- struct{}{}:
	default:
	}
}

// wsConn adapts a gorilla websocket connection to Conn. Gorilla permits
// one concurrent writer, hence the write mutex.
type wsConn struct {
	ws       *websocket.Conn
	remoteID string
	writeMu  sync.Mutex
	once     sync.Once
}

func newWSConn(ws *websocket.Conn, remoteID string) *wsConn {
	return &wsConn{ws: ws, remoteID: remoteID}
}

func (c *wsConn) Send(p Payload) error {
	msgType := websocket.BinaryMessage
	if p.Kind == KindText {
		msgType = websocket.TextMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(msgType, p.Data); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

func (c *wsConn) Recv() (Payload, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Payload{}, ErrClosed
		}
		switch msgType {
		case websocket.BinaryMessage:
			return Payload{Kind: KindBinary, Data: data}, nil
		case websocket.TextMessage:
			return Payload{Kind: KindText, Data: data}, nil
		default:
			// Control frames are handled by gorilla; skip anything else.
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() { err = c.ws.Close() })
	return err
}

func (c *wsConn) RemoteID() string { return c.remoteID }
