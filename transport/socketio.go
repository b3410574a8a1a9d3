package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"sync"

	"collab-server/core"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// socketIOBackend maps socket.io events onto envelopes: the event name is
// the kind and the first argument is the payload. A trailing ack callback
// receives the reply to that frame.
type socketIOBackend struct {
	srv     *socketio.Server
	handler http.Handler
}

func newSocketIOBackend(opts Options, router *Router) *socketIOBackend {
	sopts := socketio.DefaultServerOptions()
	sopts.SetMaxHttpBufferSize(opts.MaxFrameBytes)
	sopts.SetPath("/socket.io")
	sopts.SetAllowEIO3(true)
	origins := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range opts.AllowedOrigins {
		origins = append(origins, origin)
	}
	sopts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, sopts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		peer := &sioPeer{socket: socket, acks: make(map[string]ackInvoker)}
		c := router.Attach(peer, socketSubject(socket))

		for _, kind := range InboundKinds {
			kind := kind
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(kind, func(datas ...any) {
				peer.handle(router, c, kind, datas)
			})
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(...any) {
			router.Detach(c)
			socket.RemoveAllListeners("")
		})
	})

	return &socketIOBackend{srv: srv, handler: srv.ServeHandler(nil)}
}

// socketSubject reads the authenticated subject off the handshake request.
func socketSubject(socket *socketio.Socket) string {
	ctx := socket.Request()
	if ctx == nil || ctx.Request() == nil {
		return ""
	}
	return subjectOf(ctx.Request())
}

func (b *socketIOBackend) pattern() string { return "/socket.io/" }

func (b *socketIOBackend) close() { b.srv.Close(nil) }

func (b *socketIOBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.handler.ServeHTTP(w, r)
}

// sioPeer adapts a socket.io socket to Peer. Replies to frames that carried
// an ack callback are delivered to that callback as well as emitted.
type sioPeer struct {
	socket *socketio.Socket

	// handleMu keeps frames of one socket in arrival order.
	handleMu sync.Mutex

	mu   sync.Mutex
	acks map[string]ackInvoker
}

func (p *sioPeer) ID() string { return string(p.socket.Id()) }

func (p *sioPeer) handle(router *Router, c *Conn, kind string, datas []any) {
	ack, args := extractAck(datas)
	env := Envelope{Kind: kind}
	if len(args) > 0 && args[0] != nil {
		raw, err := json.Marshal(args[0])
		if err != nil {
			respondWithAck(p.socket, ack, KindError, map[string]any{
				"status": "error",
				"error":  "invalid payload",
			}, err)
			return
		}
		env.Payload = raw
	}
	if ack != nil {
		env.RequestID = uuid.NewString()
		p.mu.Lock()
		p.acks[env.RequestID] = ack
		p.mu.Unlock()
	}

	p.handleMu.Lock()
	router.Handle(c, env)
	p.handleMu.Unlock()

	if env.RequestID != "" {
		p.takeAck(env.RequestID)
	}
}

func (p *sioPeer) takeAck(requestID string) ackInvoker {
	if requestID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ack := p.acks[requestID]
	delete(p.acks, requestID)
	return ack
}

func (p *sioPeer) Send(env Envelope) error {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %v", core.ErrTransportWrite, err)
		}
	}

	if ack := p.takeAck(env.RequestID); ack != nil {
		reply, ackErr := ackReply(env, payload)
		ack(ackErr, reply)
	}

	if err := p.socket.Emit(env.Kind, payload); err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransportWrite, err)
	}
	return nil
}

// ackReply builds the callback arguments for a reply envelope. An error
// payload that does not decode is passed through verbatim as an internal
// error.
func ackReply(env Envelope, payload any) (map[string]any, error) {
	reply := map[string]any{"status": "ok", "kind": env.Kind, "payload": payload}
	if env.Kind != KindError {
		return reply, nil
	}
	var e ErrorPayload
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		logrus.WithError(err).WithField("request_id", env.RequestID).Warn("Malformed error payload in reply")
		e = ErrorPayload{Code: core.CodeInternal, Message: string(env.Payload)}
	}
	reply["status"] = "error"
	reply["error"] = e.Message
	reply["code"] = e.Code
	return reply, errors.New(e.Message)
}

func (p *sioPeer) Close() error {
	p.socket.Disconnect(true)
	return nil
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck turns whatever callback type socket.io handed us into an
// ackInvoker by reflection.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		value.Call(buildAckArgs(typ, err, payload))
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// buildAckArgs fills the callback's parameters: error slots get err, []any
// slots get the payload wrapped in a slice, anything else gets the payload.
func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	if typ.IsVariadic() && numIn == 1 {
		return []reflect.Value{reflect.ValueOf(payload)}
	}

	args := make([]reflect.Value, numIn)
	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		var argValue any
		switch {
		case paramType == errorType:
			if err != nil {
				argValue = err
			}
		case paramType.Kind() == reflect.Slice && paramType.Elem().Kind() == reflect.Interface:
			argValue = []any{payload}
		case numIn == 1 && err != nil:
			argValue = err
		default:
			argValue = payload
		}
		args[i] = coerceValue(argValue, paramType)
	}
	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.Interface && (rv.Type().Implements(targetType) || targetType.NumMethod() == 0):
		return rv
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	case targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String:
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}
	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		if val == nil {
			continue
		}
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if !valueValue.Type().ConvertibleTo(targetType.Elem()) {
				continue
			}
			valueValue = valueValue.Convert(targetType.Elem())
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}

// respondWithAck answers a frame that never reached the Router.
func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
	if event != "" && payload != nil {
		if err := socket.Emit(event, payload); err != nil {
			logrus.WithError(err).WithField("peer_id", socket.Id()).Debug("Socket.IO emit failed")
		}
	}
}
