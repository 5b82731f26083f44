package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dependency is a subsystem subscribed to session create/close events.
// Users are identified by their stable external id. Callbacks run
// concurrently with callbacks for other users; implementations must be safe
// for that.
type Dependency interface {
	OnSessionCreate(ctx context.Context, user string)
	OnSessionClose(ctx context.Context, user string)
}

// CloseCompleter is optionally implemented by dependencies whose close work
// continues after OnSessionClose returns. The returned channel is closed when
// that work finishes; a nil channel means nothing is pending.
type CloseCompleter interface {
	OnSessionCloseWithCompletion(ctx context.Context, user string) <-chan struct{}
}

type registration struct {
	dep  Dependency
	name string
}

// Registry is the ordered set of subsystems notified on session create and
// close. Membership is fixed for the process lifetime after startup.
type Registry struct {
	mu   sync.RWMutex
	deps []registration
	log  *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log.Named("registry")}
}

// Register adds a dependency under a name used only for logging.
func (r *Registry) Register(dep Dependency, name string) {
	r.mu.Lock()
	r.deps = append(r.deps, registration{dep: dep, name: name})
	r.mu.Unlock()
	r.log.Info("session dependency registered", zap.String("name", name))
}

func (r *Registry) snapshot() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registration, len(r.deps))
	copy(out, r.deps)
	return out
}

// NotifyCreate fans out the create hook. A panicking dependency is logged
// and never prevents the remaining dependencies from being notified.
func (r *Registry) NotifyCreate(ctx context.Context, user string) {
	for _, reg := range r.snapshot() {
		r.invoke(reg.name, user, "create", func() {
			reg.dep.OnSessionCreate(ctx, user)
		})
	}
}

// completion is one dependency's pending close signal.
type completion struct {
	name string
	done <-chan struct{}
}

// NotifyClose fans out the close hook to every dependency and collects the
// pending completion signals. As with create, one dependency's failure is
// isolated from the rest.
func (r *Registry) NotifyClose(ctx context.Context, user string) []completion {
	var pending []completion
	for _, reg := range r.snapshot() {
		r.invoke(reg.name, user, "close", func() {
			reg.dep.OnSessionClose(ctx, user)
			if c, ok := reg.dep.(CloseCompleter); ok {
				if done := c.OnSessionCloseWithCompletion(ctx, user); done != nil {
					pending = append(pending, completion{name: reg.name, done: done})
				}
			}
		})
	}
	return pending
}

func (r *Registry) invoke(name, user, phase string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("session dependency panicked",
				zap.String("dependency", name),
				zap.String("phase", phase),
				zap.String("user", user),
				zap.Any("panic", rec))
		}
	}()
	fn()
}
