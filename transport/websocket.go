package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"collab-server/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxDecodeErrorsPerConn = 5
)

type wsBackend struct {
	router   *Router
	opts     Options
	upgrader websocket.Upgrader
}

func newWSBackend(opts Options, router *Router) *wsBackend {
	explicit := make(map[string]bool, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		explicit[origin] = true
	}
	return &wsBackend{
		router: router,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no origin.
				if origin == "" || originAllowed(origin, explicit) {
					return true
				}
				logrus.WithField("origin", origin).Warn("Rejected websocket connection")
				return false
			},
		},
	}
}

func (b *wsBackend) pattern() string { return "/ws" }

// close is a no-op: websocket peers are closed through the Router.
func (b *wsBackend) close() {}

func (b *wsBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	peer := &wsPeer{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, b.opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: b.opts.WriteTimeout,
	}
	c := b.router.Attach(peer, subjectOf(r))
	go peer.writePump()
	peer.readPump(b.router, c, b.opts.MaxFrameBytes)
}

// wsPeer owns one websocket connection. Frames are queued on send and
// written by writePump so a slow socket never blocks the Router.
type wsPeer struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransportWrite, err)
	}
	select {
	case <-p.done:
		return fmt.Errorf("%w: connection closed", core.ErrTransportWrite)
	default:
	}
	select {
	case p.send <- b:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", core.ErrTransportWrite)
	}
}

func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *wsPeer) readPump(router *Router, c *Conn, maxFrameBytes int64) {
	defer func() {
		_ = p.Close()
		router.Detach(c)
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	decodeErrors := 0
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("peer_id", p.id).Warn("Websocket read failed")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			decodeErrors++
			router.reject(c, "", core.CodeInvalidArgument, "invalid frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0
		router.Handle(c, env)
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case message := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithError(err).WithField("peer_id", p.id).Debug("Websocket write failed")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.flush()
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before the peer was closed.
func (p *wsPeer) flush() {
	for {
		select {
		case message := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
