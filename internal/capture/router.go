package capture

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
)

// Consumer receives frames from the router. It must not call Router.Switch.
type Consumer func(entities.AudioFrame)

// Router delivers each frame to exactly one active consumer. Switch waits for
// any in-flight Dispatch, so once it returns the previous consumer receives
// no further frames.
type Router struct {
	mu        sync.RWMutex
	consumers map[string]Consumer
	active    string
	logger    *zap.Logger
}

// NewRouter creates a router with no consumers.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		consumers: make(map[string]Consumer),
		logger:    logger,
	}
}

// Register adds or replaces a named consumer.
func (r *Router) Register(name string, c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[name] = c
}

// Switch makes name the active consumer.
func (r *Router) Switch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.consumers[name]; !ok {
		return fmt.Errorf("%w: unknown consumer %q", domain.ErrConfig, name)
	}
	if r.active != name {
		r.logger.Debug("Switching audio consumer",
			zap.String("from", r.active),
			zap.String("to", name))
	}
	r.active = name
	return nil
}

// Active returns the name of the active consumer.
func (r *Router) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Dispatch hands frame to the active consumer. It reports false when no
// consumer is active and the frame was discarded.
func (r *Router) Dispatch(frame entities.AudioFrame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.consumers[r.active]
	if !ok {
		return false
	}
	c(frame)
	return true
}
