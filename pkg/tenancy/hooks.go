package tenancy

import (
	"context"
	"sync"

	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Hook observes a tenant lifecycle event. Errors are logged and otherwise
// ignored: a failing hook never rolls back the operation it observes.
type Hook func(ctx context.Context, t *Tenant) error

// Hooks holds the registered pre-create and post-create observers.
// Hooks run synchronously, in registration order, on the calling goroutine.
type Hooks struct {
	mu   sync.RWMutex
	pre  []Hook
	post []Hook
	log  *logrus.Logger
}

// NewHooks creates an empty hook registry
func NewHooks(log *logrus.Logger) *Hooks {
	if log == nil {
		log = logrus.New()
	}
	return &Hooks{log: log}
}

// OnPreCreate registers a hook fired before a tenant is persisted.
// The tenant has no id yet.
func (h *Hooks) OnPreCreate(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pre = append(h.pre, hook)
}

// OnPostCreate registers a hook fired after a tenant is persisted
func (h *Hooks) OnPostCreate(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.post = append(h.post, hook)
}

func (h *Hooks) firePreCreate(ctx context.Context, t *Tenant) {
	h.mu.RLock()
	hooks := append([]Hook(nil), h.pre...)
	h.mu.RUnlock()
	h.fire(ctx, "pre_tenant_create", hooks, t)
}

func (h *Hooks) firePostCreate(ctx context.Context, t *Tenant) {
	h.mu.RLock()
	hooks := append([]Hook(nil), h.post...)
	h.mu.RUnlock()
	h.fire(ctx, "post_tenant_create", hooks, t)
}

func (h *Hooks) fire(ctx context.Context, event string, hooks []Hook, t *Tenant) {
	for i, hook := range hooks {
		if err := h.call(ctx, hook, t); err != nil {
			h.log.WithFields(logrus.Fields{
				"event":  event,
				"hook":   i,
				"domain": t.Domain,
			}).WithError(err).Warn("tenant hook failed")
		}
	}
}

func (h *Hooks) call(ctx context.Context, hook Hook, t *Tenant) (err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = perr
		}
	}()
	return hook(ctx, t.Clone())
}
