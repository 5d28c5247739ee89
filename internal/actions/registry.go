package actions

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry is the thread-safe system action vocabulary.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	aliases map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
		aliases: make(map[string]string),
	}
}

// Register adds an action. Names and aliases share one namespace.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "system action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Alias makes alias resolve to the registered action target.
func (r *Registry) Alias(alias, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[target]; !ok {
		return unknownAction(target)
	}
	if r.taken(alias) {
		return schema.NewErrorf(schema.ErrCodeValidation, "system action %q already registered", alias)
	}
	r.aliases[alias] = target
	return nil
}

func (r *Registry) taken(name string) bool {
	_, isAction := r.actions[name]
	_, isAlias := r.aliases[name]
	return isAction || isAlias
}

// Get resolves name (or an alias). Unknown names fail with UNKNOWN_SYSTEM_ACTION.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	action, ok := r.actions[name]
	if !ok {
		return nil, unknownAction(name)
	}
	return action, nil
}

// Has reports whether name resolves to an action.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names returns every resolvable name, aliases included, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions)+len(r.aliases))
	for n := range r.actions {
		names = append(names, n)
	}
	for a := range r.aliases {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		info := ActionInfo{Name: a.Name(), Description: a.Schema().Description}
		for alias, target := range r.aliases {
			if target == info.Name {
				info.Aliases = append(info.Aliases, alias)
			}
		}
		sort.Strings(info.Aliases)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func unknownAction(name string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeUnknownSystemAction, "unknown system action: %s", name).
		WithDetails(map[string]any{"action": name})
}
