package lifecycle

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_Follow(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())

	tests := []struct {
		name       string
		state      string
		transition string
		want       string
		wantErr    bool
	}{
		{"approve", StateProject, TransitionApprove, StateApproved, false},
		{"obsolete", StateProject, TransitionObsolete, StateObsolete, false},
		{"delete", StateApproved, TransitionDelete, StateDeleted, false},
		{"undelete", StateDeleted, TransitionUndelete, StateProject, false},
		{"back to project", StateObsolete, TransitionBackToProject, StateProject, false},
		{"not allowed", StateDeleted, TransitionApprove, "", true},
		{"unknown state", "draft", TransitionApprove, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Follow(tt.state, tt.transition)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.NotValid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_AllowedTransitions(t *testing.T) {
	p := Default()
	assert.Equal(t, []string{TransitionApprove, TransitionObsolete, TransitionDelete}, p.AllowedTransitions(StateProject))
	assert.Equal(t, []string{TransitionUndelete}, p.AllowedTransitions(StateDeleted))
	assert.Nil(t, p.AllowedTransitions("unknown"))
}

func TestPolicy_Validate(t *testing.T) {
	bad := &Policy{
		Name:         "broken",
		InitialState: "a",
		States:       []State{{Name: "a", Transitions: []string{"go"}}},
		Transitions:  []Transition{{Name: "go", Destination: "b"}},
	}
	assert.True(t, errors.Is(bad.Validate(), errors.NotValid))

	bad.States = append(bad.States, State{Name: "b"})
	assert.NoError(t, bad.Validate())

	bad.InitialState = "z"
	assert.Error(t, bad.Validate())
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(Default())
	require.NoError(t, err)

	none, err := r.Policy("")
	require.NoError(t, err)
	assert.Empty(t, none.Initial())
	_, err = none.Follow("", TransitionApprove)
	assert.Error(t, err)

	p, err := r.Policy(DefaultPolicy)
	require.NoError(t, err)
	assert.Equal(t, StateProject, p.Initial())

	_, err = r.Policy("publication")
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, []string{DefaultPolicy, NoPolicy}, r.Names())
}
