// Package relay is the server peer of the sync channel. It rebroadcasts each
// client's pose to every other client and answers voice commands.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/normanking/posesync/internal/channel"
	"github.com/rs/zerolog"
)

// VoiceHandler answers a client's voice command. The returned value is sent
// back to that client as the voice_response payload.
type VoiceHandler interface {
	HandleVoice(ctx context.Context, clientID string, cmd channel.VoicePayload) (any, error)
}

// VoiceHandlerFunc adapts a function to VoiceHandler
type VoiceHandlerFunc func(ctx context.Context, clientID string, cmd channel.VoicePayload) (any, error)

// HandleVoice implements VoiceHandler
func (f VoiceHandlerFunc) HandleVoice(ctx context.Context, clientID string, cmd channel.VoicePayload) (any, error) {
	return f(ctx, clientID, cmd)
}

// AckResponse is the reply of AckVoiceHandler
type AckResponse struct {
	Status     string  `json:"status"`
	Bytes      int     `json:"bytes"`
	MimeType   string  `json:"mime_type"`
	DurationMs float64 `json:"duration_ms,omitempty"`
}

// AckVoiceHandler acknowledges receipt of each clip without interpreting it
type AckVoiceHandler struct{}

// HandleVoice implements VoiceHandler
func (AckVoiceHandler) HandleVoice(_ context.Context, _ string, cmd channel.VoicePayload) (any, error) {
	return AckResponse{Status: "received", Bytes: len(cmd.Audio), MimeType: cmd.MimeType, DurationMs: cmd.DurationMs}, nil
}

// Config configures the relay
type Config struct {
	Addr         string
	ClientQueue  int // pending messages (and voice commands) per client before new ones drop
	WriteTimeout time.Duration
}

// Stats counts relay traffic
type Stats struct {
	Clients   int   `json:"clients"`
	Relayed   int64 `json:"relayed"`
	Dropped   int64 `json:"dropped"`
	VoiceCmds int64 `json:"voice_commands"`
}

// Server relays events between connected clients
type Server struct {
	config   Config
	voice    VoiceHandler
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	relayed   atomic.Int64
	dropped   atomic.Int64
	voiceCmds atomic.Int64
}

type client struct {
	id    string
	user  string
	conn  *websocket.Conn
	send  chan channel.Envelope
	voice chan channel.VoicePayload
	done  chan struct{}
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewServer creates a relay. A nil voice handler acknowledges every clip.
func NewServer(cfg Config, voice VoiceHandler, logger zerolog.Logger) *Server {
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if voice == nil {
		voice = AckVoiceHandler{}
	}
	return &Server{
		config: cfg,
		voice:  voice,
		logger: logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			// Clients are desktop sessions and local pages, not arbitrary sites
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler serves /ws and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(channel.DefaultPath, s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then closes every client
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("Relay listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	s.logger.Info().Msg("Relay stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	users := []string{}
	s.mu.RLock()
	for _, c := range s.clients {
		if c.user != "" {
			users = append(users, c.user)
		}
	}
	n := len(s.clients)
	s.mu.RUnlock()
	sort.Strings(users)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": n, "users": users})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:    uuid.NewString(),
		user:  r.Header.Get(channel.UserHeader),
		conn:  conn,
		send:  make(chan channel.Envelope, s.config.ClientQueue),
		voice: make(chan channel.VoicePayload, s.config.ClientQueue),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info().Str("client", c.id).Str("user", c.user).Str("remote", r.RemoteAddr).Msg("Client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.close()
		s.logger.Info().Str("client", c.id).Msg("Client disconnected")
	}()

	go s.writeLoop(c)
	go s.voiceLoop(ctx, c)

	for {
		var env channel.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		s.route(c, env)
	}
}

// route never blocks, so one client's voice command cannot hold up the
// poses it sends after it
func (s *Server) route(from *client, env channel.Envelope) {
	switch env.Event {
	case channel.EventPoseData:
		s.broadcast(from.id, channel.Envelope{Event: channel.EventAvatarUpdate, Data: env.Data})

	case channel.EventVoiceCommand:
		s.voiceCmds.Add(1)
		var cmd channel.VoicePayload
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			s.logger.Warn().Err(err).Str("client", from.id).Msg("Malformed voice command")
			return
		}
		select {
		case from.voice <- cmd:
		default:
			s.dropped.Add(1)
			s.logger.Warn().Str("client", from.id).Msg("Voice queue full, dropping command")
		}

	default:
		s.logger.Debug().Str("event", env.Event).Str("client", from.id).Msg("Ignoring unknown event")
	}
}

func (s *Server) broadcast(fromID string, env channel.Envelope) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != fromID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if s.enqueue(c, env) {
			s.relayed.Add(1)
		}
	}
}

// enqueue never blocks; a slow client loses messages instead of stalling
// the sender
func (s *Server) enqueue(c *client, env channel.Envelope) bool {
	select {
	case <-c.done:
		return false
	case c.send <- env:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Debug().Str("client", c.id).Str("event", env.Event).Msg("Client queue full, dropping")
		return false
	}
}

// voiceLoop answers a client's voice commands one at a time, in arrival order
func (s *Server) voiceLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.voice:
			reply, err := s.voice.HandleVoice(ctx, c.id, cmd)
			if err != nil {
				s.logger.Warn().Err(err).Str("client", c.id).Msg("Voice handler failed")
				reply = map[string]string{"status": "error", "error": err.Error()}
			}
			data, err := json.Marshal(reply)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Unencodable voice response")
				continue
			}
			s.enqueue(c, channel.Envelope{Event: channel.EventVoiceResponse, Data: data})
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				s.logger.Debug().Err(err).Str("client", c.id).Msg("WebSocket write error")
				c.close()
				return
			}
		}
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// Stats returns a snapshot of relay counters
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return Stats{
		Clients:   n,
		Relayed:   s.relayed.Load(),
		Dropped:   s.dropped.Load(),
		VoiceCmds: s.voiceCmds.Load(),
	}
}
