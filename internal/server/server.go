package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	hashids "github.com/speps/go-hashids/v2"
	"nhooyr.io/websocket"

	"tracknet.dev/livetrack/internal/auth"
	"tracknet.dev/livetrack/internal/hub"
)

const (
	AUTH_FAILED      = "auth_failed"
	BAD_HANDSHAKE    = "bad_handshake"
	NEW_CONNECTION   = "new_connection"
	CONNECTION_ENDED = "connection_ended"
)

const handshakeTimeout = 2 * time.Second

type Config struct {
	ListenAddr    string
	ProxyProtocol bool
}

// Handshake is the first message on a new connection. Role is device
// iff a device id is present and the subscriber flag is unset.
type Handshake struct {
	Token      string `json:"token" validate:"omitempty,max=512"`
	DeviceID   string `json:"device_id" validate:"omitempty,max=128"`
	Subscriber bool   `json:"subscriber"`
}

// Server accepts websocket connections, authenticates them and hands
// them to the hub with the role decided once.
type Server struct {
	mu       sync.Mutex
	log      log.Logger
	hub      *hub.Hub
	auth     *auth.Authenticator
	config   *Config
	server   *http.Server
	listener net.Listener
	validate *validator.Validate
	cid      uint64
	hasher   *hashids.HashID
	router   chi.Router
}

func NewServer(h *hub.Hub, a *auth.Authenticator, config *Config) *Server {
	s := &Server{hub: h, auth: a, config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "ws-server").Value()
	s.validate = validator.New()

	hd := hashids.NewData()
	hd.Salt = "livetrack-conn"
	hd.MinLength = 8
	hasher, err := hashids.NewWithData(hd)
	if err != nil {
		// Static hashids params; only a programming error can get here.
		panic(err)
	}
	s.hasher = hasher

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serve_ws)
	s.server = &http.Server{
		Handler:        r,
		ReadTimeout:    0, // websocket connections are long-lived
		MaxHeaderBytes: 1 << 20,
	}
	s.router = r
	return s
}

// Mount attaches an extra HTTP handler (e.g. monitoring) on the same
// listener.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

func (s *Server) Run() error {
	s.log.Info().Msgf("starting websocket server on %s", s.config.ListenAddr)
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	err = s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) serve_ws(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("error upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	hs, err := s.readHandshake(r.Context(), c)
	if err != nil {
		s.log.Info().Str("event", BAD_HANDSHAKE).Err(err).Msg("")
		c.Close(websocket.StatusPolicyViolation, "bad handshake")
		return
	}
	token := hs.Token
	if token == "" {
		token = bearerToken(r)
	}

	ident, err := s.auth.Authenticate(r.Context(), auth.Credentials{
		Token:      token,
		DeviceID:   hs.DeviceID,
		Subscriber: hs.Subscriber,
	})
	if err != nil {
		// Unauthenticated connections never reach the hub's event router.
		s.log.Info().Str("event", AUTH_FAILED).Err(err).Msg("")
		c.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	cid := atomic.AddUint64(&s.cid, 1)
	connID, _ := s.hasher.EncodeInt64([]int64{int64(cid)})
	cl := newClient(c, connID, ident, s.log)
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(cl).Msg("")

	go cl.writeLoop()
	switch ident.Role {
	case auth.RoleDevice:
		sess := s.hub.RegisterDevice(ident, connID, cl)
		cl.readLoopDevice(sess)
		sess.Close()
	default:
		sub := s.hub.RegisterSubscriber(ident, cl)
		cl.readLoopSubscriber()
		sub.Close()
	}
	cl.shutdown(websocket.StatusNormalClosure, "")
	s.log.Info().Str("event", CONNECTION_ENDED).EmbedObject(cl).Msg("")
}

func (s *Server) readHandshake(ctx context.Context, c *websocket.Conn) (*Handshake, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, msg, err := c.Read(readCtx)
	if err != nil {
		return nil, err
	}
	hs := &Handshake{}
	if err := json.Unmarshal(msg, hs); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(hs); err != nil {
		return nil, err
	}
	return hs, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer"))
}
