package lifecycle

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

const (
	// DefaultPolicy is the policy of most document types.
	DefaultPolicy = "default"
	// NoPolicy means the document has no lifecycle state.
	NoPolicy = "none"

	StateProject  = "project"
	StateApproved = "approved"
	StateObsolete = "obsolete"
	StateDeleted  = "deleted"

	TransitionApprove       = "approve"
	TransitionObsolete      = "obsolete"
	TransitionDelete        = "delete"
	TransitionUndelete      = "undelete"
	TransitionBackToProject = "backToProject"
)

// Transition moves a document to Destination.
type Transition struct {
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
	Description string `yaml:"description,omitempty"`
}

// State lists the transitions allowed from it.
type State struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Transitions []string `yaml:"transitions,omitempty"`
}

// Policy is a named state machine.
type Policy struct {
	Name         string       `yaml:"name"`
	InitialState string       `yaml:"initial"`
	States       []State      `yaml:"states"`
	Transitions  []Transition `yaml:"transitions"`
}

// Validate checks that states and transitions reference each other consistently.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return errors.NotValidf("lifecycle policy without name")
	}
	if len(p.States) == 0 {
		if p.InitialState != "" {
			return errors.NotValidf("lifecycle %q initial state %q without states", p.Name, p.InitialState)
		}
		return nil
	}
	if p.state(p.InitialState) == nil {
		return errors.NotValidf("lifecycle %q initial state %q", p.Name, p.InitialState)
	}
	for _, s := range p.States {
		for _, tn := range s.Transitions {
			t := p.transition(tn)
			if t == nil {
				return errors.NotValidf("lifecycle %q transition %q of state %q", p.Name, tn, s.Name)
			}
			if p.state(t.Destination) == nil {
				return errors.NotValidf("lifecycle %q destination %q of transition %q", p.Name, t.Destination, tn)
			}
		}
	}
	return nil
}

func (p *Policy) state(name string) *State {
	for i := range p.States {
		if p.States[i].Name == name {
			return &p.States[i]
		}
	}
	return nil
}

func (p *Policy) transition(name string) *Transition {
	for i := range p.Transitions {
		if p.Transitions[i].Name == name {
			return &p.Transitions[i]
		}
	}
	return nil
}

// Initial returns the state of newly created documents, empty for stateless policies.
func (p *Policy) Initial() string {
	return p.InitialState
}

// HasState reports whether the state belongs to the policy.
func (p *Policy) HasState(name string) bool {
	return p.state(name) != nil
}

// AllowedTransitions returns the transitions leaving state.
func (p *Policy) AllowedTransitions(state string) []string {
	s := p.state(state)
	if s == nil {
		return nil
	}
	return append([]string(nil), s.Transitions...)
}

// Follow returns the destination reached from state through transition.
func (p *Policy) Follow(state, transition string) (string, error) {
	s := p.state(state)
	if s == nil {
		return "", errors.NotValidf("state %q in lifecycle %q", state, p.Name)
	}
	for _, tn := range s.Transitions {
		if tn == transition {
			return p.transition(tn).Destination, nil
		}
	}
	return "", errors.NotValidf("transition %q from state %q in lifecycle %q", transition, state, p.Name)
}

// Registry holds the known policies.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewRegistry returns a registry holding the given policies plus the "none" policy.
func NewRegistry(policies ...*Policy) (*Registry, error) {
	r := &Registry{policies: map[string]*Policy{NoPolicy: {Name: NoPolicy}}}
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a policy.
func (r *Registry) Register(p *Policy) error {
	if err := p.Validate(); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name] = p
	return nil
}

// Policy returns the named policy. An empty name means "none".
func (r *Registry) Policy(name string) (*Policy, error) {
	if name == "" {
		name = NoPolicy
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok {
		return nil, errors.NotFoundf("lifecycle policy %q", name)
	}
	return p, nil
}

// Names lists the registered policies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for n := range r.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns the standard project/approved/obsolete/deleted policy.
func Default() *Policy {
	return &Policy{
		Name:         DefaultPolicy,
		InitialState: StateProject,
		States: []State{
			{Name: StateProject, Transitions: []string{TransitionApprove, TransitionObsolete, TransitionDelete}},
			{Name: StateApproved, Transitions: []string{TransitionBackToProject, TransitionDelete}},
			{Name: StateObsolete, Transitions: []string{TransitionBackToProject, TransitionDelete}},
			{Name: StateDeleted, Transitions: []string{TransitionUndelete}},
		},
		Transitions: []Transition{
			{Name: TransitionApprove, Destination: StateApproved, Description: "Approve the content"},
			{Name: TransitionObsolete, Destination: StateObsolete, Description: "Content becomes obsolete"},
			{Name: TransitionDelete, Destination: StateDeleted, Description: "Move document to trash"},
			{Name: TransitionUndelete, Destination: StateProject, Description: "Recover the document from trash"},
			{Name: TransitionBackToProject, Destination: StateProject, Description: "Back to project"},
		},
	}
}
