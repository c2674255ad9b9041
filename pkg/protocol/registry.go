package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateType = errors.New("duplicate message type")
	ErrNoSuchType    = errors.New("no such message type")
	ErrFinalOverride = errors.New("message type handlers are final")
)

// OverrideMode selects how ApplyOverride changes a type's handler bindings.
type OverrideMode int

const (
	// OverrideReplace replaces the handler bindings.
	OverrideReplace OverrideMode = iota
	// OverrideDisable removes the named handlers from the bindings.
	OverrideDisable
	// OverrideFinal replaces the bindings and rejects every later override.
	OverrideFinal
)

func (m OverrideMode) String() string {
	switch m {
	case OverrideReplace:
		return "override"
	case OverrideDisable:
		return "disable"
	case OverrideFinal:
		return "final"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseOverrideMode parses the config spelling of an override mode.
func ParseOverrideMode(s string) (OverrideMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "override", "replace":
		return OverrideReplace, nil
	case "disable":
		return OverrideDisable, nil
	case "final":
		return OverrideFinal, nil
	default:
		return 0, fmt.Errorf("unknown override mode %q", s)
	}
}

type registryEntry struct {
	typ      *MessageType
	handlers []string
	final    bool
}

// Registry maps message type ids and names to schemas and handler bindings.
// One instance is built at startup and shared by every connection.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint16]*registryEntry
	byName map[string]*registryEntry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		byID:   make(map[uint16]*registryEntry),
		byName: make(map[string]*registryEntry),
		logger: logger,
	}
}

// NewRegistryFrom creates a registry populated from a schema source.
func NewRegistryFrom(loader SchemaLoader, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	if err := r.RegisterFrom(loader); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterFrom loads every type from the loader and registers it. Only a
// loader failure is returned; rejected types are logged.
func (r *Registry) RegisterFrom(loader SchemaLoader) error {
	types, err := loader.LoadMessageTypes()
	if err != nil {
		return fmt.Errorf("failed to load message types: %w", err)
	}
	for _, t := range types {
		_ = r.Register(t)
	}
	return nil
}

// Register adds a message type. Registering an identical id/name pair again is
// a no-op; a type that reuses an existing id or name under a different pairing
// is rejected and the first registration stays.
func (r *Registry) Register(t *MessageType) error {
	if err := t.Validate(); err != nil {
		r.logger.Warn("rejected message type", "id", t.ID, "name", t.Name, "error", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existingID, idTaken := r.byID[t.ID]
	existingName, nameTaken := r.byName[t.Name]
	if idTaken && nameTaken && existingID == existingName {
		r.logger.Debug("message type already registered", "id", t.ID, "name", t.Name)
		return nil
	}
	if idTaken {
		err := fmt.Errorf("%w: id %d already registered as %s", ErrDuplicateType, t.ID, existingID.typ.Name)
		r.logger.Warn("rejected message type", "id", t.ID, "name", t.Name, "error", err)
		return err
	}
	if nameTaken {
		err := fmt.Errorf("%w: name %s already registered with id %d", ErrDuplicateType, t.Name, existingName.typ.ID)
		r.logger.Warn("rejected message type", "id", t.ID, "name", t.Name, "error", err)
		return err
	}

	stored := t.clone()
	entry := &registryEntry{
		typ:      stored,
		handlers: append([]string(nil), stored.Handlers...),
	}
	r.byID[stored.ID] = entry
	r.byName[stored.Name] = entry
	return nil
}

// GetByID returns the type registered under id.
func (r *Registry) GetByID(id uint16) (*MessageType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.typ, true
}

// GetByName returns the type registered under name.
func (r *Registry) GetByName(name string) (*MessageType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.typ, true
}

// CreateEmpty returns a new message of the named type with no values set.
func (r *Registry) CreateEmpty(name string) (*Message, error) {
	t, ok := r.GetByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchType, name)
	}
	return NewMessage(t), nil
}

// MustCreate is CreateEmpty for names the caller knows are in the schema.
func (r *Registry) MustCreate(name string) *Message {
	m, err := r.CreateEmpty(name)
	if err != nil {
		panic(err)
	}
	return m
}

// Handlers returns a copy of the current handler bindings of a type.
func (r *Registry) Handlers(id uint16) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	return append([]string(nil), e.handlers...)
}

// IsFinal reports whether a Final override has locked the type's bindings.
func (r *Registry) IsFinal(id uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return ok && e.final
}

// ApplyOverride changes the handler bindings of a type according to mode.
func (r *Registry) ApplyOverride(id uint16, handlers []string, mode OverrideMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNoSuchType, id)
	}
	if e.final {
		err := fmt.Errorf("%w: %s", ErrFinalOverride, e.typ.Name)
		r.logger.Warn("rejected handler override", "message", e.typ.Name, "mode", mode.String(), "error", err)
		return err
	}

	switch mode {
	case OverrideReplace:
		e.handlers = append([]string(nil), handlers...)
	case OverrideFinal:
		e.handlers = append([]string(nil), handlers...)
		e.final = true
	case OverrideDisable:
		remove := make(map[string]bool, len(handlers))
		for _, h := range handlers {
			remove[h] = true
		}
		kept := e.handlers[:0:0]
		for _, h := range e.handlers {
			if !remove[h] {
				kept = append(kept, h)
			}
		}
		e.handlers = kept
	default:
		return fmt.Errorf("unknown override mode %d", int(mode))
	}

	r.logger.Debug("applied handler override", "message", e.typ.Name, "mode", mode.String(), "handlers", e.handlers)
	return nil
}

// ApplyOverrideByName is ApplyOverride keyed by type name.
func (r *Registry) ApplyOverrideByName(name string, handlers []string, mode OverrideMode) error {
	t, ok := r.GetByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchType, name)
	}
	return r.ApplyOverride(t.ID, handlers, mode)
}

// Types returns all registered types ordered by id.
func (r *Registry) Types() []*MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MessageType, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
