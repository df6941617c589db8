package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/posesync/internal/bus"
	"github.com/normanking/posesync/internal/mapping"
	"github.com/rs/zerolog"
)

// Channel keeps a connection to the peer alive and moves events across it.
// Sends never block and never fail: while disconnected they are dropped and
// counted. Missed messages are not replayed after a reconnect.
type Channel struct {
	transport Transport
	config    Config
	eventBus  *bus.EventBus
	logger    zerolog.Logger

	mu            sync.RWMutex
	state         State
	onStateChange func(State)

	outbound chan Envelope

	queuesMu sync.Mutex
	queues   map[string]*queue

	sent       atomic.Int64
	dropped    atomic.Int64
	received   atomic.Int64
	inDropped  atomic.Int64
	reconnects atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// queue delivers one event kind to its handler in arrival order
type queue struct {
	event   string
	items   chan json.RawMessage
	handler Handler
}

// New creates a channel. Call Run to connect.
func New(transport Transport, cfg Config, eventBus *bus.EventBus, logger zerolog.Logger) *Channel {
	def := DefaultConfig()
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = def.OutboundSize
	}
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = def.InboundSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		transport: transport,
		config:    cfg,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "channel").Logger(),
		outbound:  make(chan Envelope, cfg.OutboundSize),
		queues:    make(map[string]*queue),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnStateChange sets the callback for state transitions
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onStateChange
	c.mu.Unlock()

	c.logger.Debug().Str("state", s.String()).Msg("Channel state changed")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeChannelState, Data: map[string]any{"state": s.String()}})
	}
	if fn != nil {
		fn(s)
	}
}

// Handle registers fn for inbound events named event. Each event kind is
// served by its own goroutine, so a slow handler only delays its own kind.
// Registering a kind twice replaces nothing; the first handler wins.
func (c *Channel) Handle(event string, fn Handler) {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()

	if _, ok := c.queues[event]; ok {
		c.logger.Warn().Str("event", event).Msg("Handler already registered")
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	q := &queue{event: event, items: make(chan json.RawMessage, c.config.InboundSize), handler: fn}
	c.queues[event] = q

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case data := <-q.items:
				q.handler(data)
			}
		}
	}()
}

func (c *Channel) dispatch(env Envelope) {
	c.queuesMu.Lock()
	q, ok := c.queues[env.Event]
	c.queuesMu.Unlock()

	if !ok {
		c.logger.Debug().Str("event", env.Event).Msg("No handler for inbound event")
		return
	}
	select {
	case q.items <- env.Data:
		c.received.Add(1)
	default:
		c.inDropped.Add(1)
		c.logger.Warn().Str("event", env.Event).Msg("Inbound queue full, dropping event")
	}
}

// Send queues an arbitrary event. It reports whether the event was queued.
func (c *Channel) Send(event string, payload any) bool {
	if c.State() != StateConnected {
		c.drop(event, "not connected")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Warn().Err(err).Str("event", event).Msg("Dropping unencodable event")
		return false
	}

	select {
	case c.outbound <- Envelope{Event: event, Data: data}:
		return true
	default:
		c.drop(event, "queue full")
		return false
	}
}

// SendPose sends a pose command to the peer
func (c *Channel) SendPose(cmd mapping.PoseCommand) bool {
	return c.Send(EventPoseData, cmd)
}

// SendVoice sends a recorded voice clip to the peer
func (c *Channel) SendVoice(audio []byte, mimeType string, duration time.Duration) bool {
	return c.Send(EventVoiceCommand, VoicePayload{
		Audio:      audio,
		MimeType:   mimeType,
		DurationMs: float64(duration) / float64(time.Millisecond),
	})
}

func (c *Channel) drop(event, reason string) {
	n := c.dropped.Add(1)
	// Sampled so a long outage does not flood the log at frame rate
	if n == 1 || n%100 == 0 {
		c.logger.Debug().Str("event", event).Str("reason", reason).Int64("dropped", n).Msg("Dropping outbound event")
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// cancelled or Close is called. It returns ErrClosed when the channel was
// already closed.
func (c *Channel) Run(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	defer c.setState(StateDisconnected)

	backoff := c.config.MinBackoff
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.transport.Dial(ctx)
		if err == nil {
			failures = 0
			backoff = c.config.MinBackoff
			c.setState(StateConnected)
			c.logger.Info().Msg("Channel connected")

			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Channel connection lost")
		} else {
			failures++
			if ctx.Err() != nil {
				return nil
			}
			if failures == 3 {
				c.logger.Warn().Err(err).Int("failures", failures).Msg("Peer unavailable, will retry less frequently")
				backoff = c.config.MaxBackoff
			} else if failures > 3 {
				c.logger.Debug().Int("failures", failures).Msg("Peer still unavailable")
			} else {
				c.logger.Warn().Err(err).Msg("Channel dial failed, reconnecting...")
			}
		}
		c.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		c.reconnects.Add(1)

		if backoff < c.config.MaxBackoff {
			backoff *= 2
			if backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
		}
	}
}

// serve pumps one connection until it fails or ctx ends
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			env, err := conn.Read()
			if err != nil {
				errc <- err
				return
			}
			c.dispatch(env)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-connCtx.Done():
				return
			case env := <-c.outbound:
				if err := conn.Write(env); err != nil {
					c.dropped.Add(1)
					errc <- err
					return
				}
				c.sent.Add(1)
			}
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	cancel()
	conn.Close()
	wg.Wait()

	// Nothing queued for the old connection is replayed
	for {
		select {
		case <-c.outbound:
			c.dropped.Add(1)
		default:
			return err
		}
	}
}

// Close stops the channel and its handler goroutines
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.queuesMu.Lock()
		c.cancel()
		c.queuesMu.Unlock()
		c.workers.Wait()
		c.setState(StateDisconnected)
	})
	return nil
}

// Stats returns a snapshot of the counters
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:           c.sent.Load(),
		Dropped:        c.dropped.Load(),
		Received:       c.received.Load(),
		InboundDropped: c.inDropped.Load(),
		Reconnects:     c.reconnects.Load(),
	}
}
