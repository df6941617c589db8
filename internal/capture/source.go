package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/posesync/internal/bus"
	"github.com/rs/zerolog"
)

// Source acquires device handles for one session. Each kind is requested from
// the device at most once: a failure is remembered and returned on later
// calls so the user is never prompted twice.
type Source struct {
	device   Device
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	failures map[Kind]error
	handles  map[*Handle]struct{}
}

// NewSource creates a capture source over device
func NewSource(device Device, eventBus *bus.EventBus, logger zerolog.Logger) *Source {
	return &Source{
		device:   device,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "capture").Logger(),
		failures: make(map[Kind]error),
		handles:  make(map[*Handle]struct{}),
	}
}

// Acquire opens a stream of the given kind. The returned error wraps
// ErrPermissionDenied or ErrDeviceUnavailable.
func (s *Source) Acquire(ctx context.Context, kind Kind) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, failed := s.failures[kind]; failed {
		return nil, err
	}

	stream, err := s.device.Open(ctx, kind)
	if err != nil {
		err = classify(kind, err)
		s.failures[kind] = err
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("Capture acquisition failed")
		s.publish(bus.EventTypeCaptureFailed, map[string]any{"kind": string(kind), "error": err.Error()})
		return nil, err
	}

	h := &Handle{kind: kind, stream: stream, source: s}
	s.handles[h] = struct{}{}
	s.logger.Info().Str("kind", string(kind)).Msg("Capture acquired")
	s.publish(bus.EventTypeCaptureAcquired, map[string]any{"kind": string(kind)})
	return h, nil
}

// Failure returns the remembered acquisition error for kind, if any
func (s *Source) Failure(kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[kind]
}

// Live returns the number of handles not yet released
func (s *Source) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ReleaseAll releases every live handle
func (s *Source) ReleaseAll() error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, h.Release())
	}
	return errors.Join(errs...)
}

func (s *Source) forget(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()

	s.logger.Info().Str("kind", string(h.kind)).Msg("Capture released")
	s.publish(bus.EventTypeCaptureReleased, map[string]any{"kind": string(h.kind)})
}

func (s *Source) publish(t bus.EventType, data map[string]any) {
	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}

// classify maps device errors onto the two capture failure classes.
// Anything that is not a permission problem counts as an unavailable device.
func classify(kind Kind, err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return fmt.Errorf("acquire %s: %w", kind, err)
	default:
		return fmt.Errorf("acquire %s: %w: %v", kind, ErrDeviceUnavailable, err)
	}
}

// Handle is a live device stream owned by one session
type Handle struct {
	kind   Kind
	stream Stream
	source *Source

	once sync.Once
	mu   sync.RWMutex
	done bool
	err  error
}

// Kind returns the handle's stream kind
func (h *Handle) Kind() Kind {
	return h.kind
}

// Read returns the next packet. After Release it returns ErrReleased.
func (h *Handle) Read(ctx context.Context) (Packet, error) {
	h.mu.RLock()
	done := h.done
	h.mu.RUnlock()
	if done {
		return Packet{}, ErrReleased
	}

	p, err := h.stream.Read(ctx)
	if err != nil {
		h.mu.RLock()
		defer h.mu.RUnlock()
		if h.done {
			return Packet{}, ErrReleased
		}
		return Packet{}, err
	}
	p.Kind = h.kind
	return p, nil
}

// Release closes the underlying stream. Safe to call more than once.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()

		h.err = h.stream.Close()
		h.source.forget(h)
	})
	return h.err
}

// Released reports whether Release has been called
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}
