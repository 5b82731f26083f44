package cache

import (
	"context"

	"go.uber.org/zap"
)

// Lane is the execution class of a lifecycle hook.
type Lane int

const (
	// OnPath hooks run on the node's serialized primary context.
	OnPath Lane = iota
	// OffPath hooks may run on any worker.
	OffPath
)

func (l Lane) String() string {
	if l == OnPath {
		return "on-path"
	}
	return "off-path"
}

// Phase is the lifecycle moment a hook is bound to.
type Phase int

const (
	PhaseLoad Phase = iota
	PhaseUnload
	PhaseSave
	PhaseLogin
)

func (p Phase) String() string {
	switch p {
	case PhaseLoad:
		return "load"
	case PhaseUnload:
		return "unload"
	case PhaseSave:
		return "save"
	default:
		return "login"
	}
}

// Hook is one lifecycle callback over the cached data object.
type Hook[T any] func(ctx context.Context, data T) error

type hook[T any] struct {
	name string
	fn   Hook[T]
}

// HookSet is the static dispatch table for one data-object type, partitioned
// by (phase, lane) and fixed at cache construction.
type HookSet[T any] struct {
	table map[Phase]map[Lane][]hook[T]
}

func (h *HookSet[T]) hooks(phase Phase, lane Lane) []hook[T] {
	return h.table[phase][lane]
}

// HookSetBuilder assembles a HookSet. Hooks run in registration order within
// their (phase, lane) bucket.
type HookSetBuilder[T any] struct {
	set    *HookSet[T]
	exempt map[string]bool
}

func NewHooks[T any]() *HookSetBuilder[T] {
	table := make(map[Phase]map[Lane][]hook[T])
	for _, p := range []Phase{PhaseLoad, PhaseUnload, PhaseSave, PhaseLogin} {
		table[p] = make(map[Lane][]hook[T])
	}
	return &HookSetBuilder[T]{
		set:    &HookSet[T]{table: table},
		exempt: make(map[string]bool),
	}
}

func (b *HookSetBuilder[T]) add(phase Phase, name string, lane Lane, fn Hook[T]) *HookSetBuilder[T] {
	b.set.table[phase][lane] = append(b.set.table[phase][lane], hook[T]{name: name, fn: fn})
	return b
}

func (b *HookSetBuilder[T]) OnLoad(name string, lane Lane, fn Hook[T]) *HookSetBuilder[T] {
	return b.add(PhaseLoad, name, lane, fn)
}

func (b *HookSetBuilder[T]) OnUnload(name string, lane Lane, fn Hook[T]) *HookSetBuilder[T] {
	return b.add(PhaseUnload, name, lane, fn)
}

func (b *HookSetBuilder[T]) OnSave(name string, lane Lane, fn Hook[T]) *HookSetBuilder[T] {
	return b.add(PhaseSave, name, lane, fn)
}

func (b *HookSetBuilder[T]) OnLogin(name string, lane Lane, fn Hook[T]) *HookSetBuilder[T] {
	return b.add(PhaseLogin, name, lane, fn)
}

// Exempt suppresses the orphan diagnostic for a hook name that deliberately
// has a load without an unload, or the other way around.
func (b *HookSetBuilder[T]) Exempt(name string) *HookSetBuilder[T] {
	b.exempt[name] = true
	return b
}

// Build finalizes the set. Every load hook is expected to pair with an
// unload hook of the same logical name and vice versa; an orphan is very
// likely a subsystem bug, so each one is logged. Diagnostics only, never a
// hard failure.
func (b *HookSetBuilder[T]) Build(log *zap.Logger) *HookSet[T] {
	loads := b.names(PhaseLoad)
	unloads := b.names(PhaseUnload)

	for name := range loads {
		if !unloads[name] && !b.exempt[name] {
			log.Warn("load hook has no matching unload hook", zap.String("hook", name))
		}
	}
	for name := range unloads {
		if !loads[name] && !b.exempt[name] {
			log.Warn("unload hook has no matching load hook", zap.String("hook", name))
		}
	}

	return b.set
}

func (b *HookSetBuilder[T]) names(phase Phase) map[string]bool {
	out := make(map[string]bool)
	for _, lane := range []Lane{OnPath, OffPath} {
		for _, h := range b.set.table[phase][lane] {
			out[h.name] = true
		}
	}
	return out
}
