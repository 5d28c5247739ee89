package actions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name string
	desc string
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, _ ActionInput) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}
func (s *stubAction) Validate(_ map[string]any) error { return nil }

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "ping", desc: "Ping"}))
	assert.True(t, reg.Has("ping"))

	got, err := reg.Get("ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Name())
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "dup"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&stubAction{}))
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("launch_rockets")
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeUnknownSystemAction, fe.Code)
	assert.Equal(t, "unknown system action: launch_rockets", fe.Message)
	assert.Equal(t, "launch_rockets", fe.Details["action"])
}

func TestRegistry_Alias(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "target", desc: "T"}))
	require.NoError(t, reg.Alias("short", "target"))

	got, err := reg.Get("short")
	require.NoError(t, err)
	assert.Equal(t, "target", got.Name())

	assert.Error(t, reg.Alias("short", "target"), "alias already taken")
	assert.Error(t, reg.Register(&stubAction{name: "short"}), "name taken by alias")
	assert.Equal(t, schema.ErrCodeUnknownSystemAction, schema.ErrorCode(reg.Alias("x", "missing")))

	assert.Equal(t, []string{"short", "target"}, reg.Names())
	infos := reg.List()
	require.Len(t, infos, 1)
	assert.Equal(t, ActionInfo{Name: "target", Description: "T", Aliases: []string{"short"}}, infos[0])
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "shared"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Get("shared")
		}()
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}
	wg.Wait()
}

func TestNewBuiltinRegistry(t *testing.T) {
	reg, err := NewBuiltinRegistry(BuiltinDeps{})
	require.NoError(t, err)
	assert.Equal(t,
		[]string{ActionCreateNotification, ActionNotify, ActionSendEmail, ActionSetVariable},
		reg.Names())

	a, err := reg.Get(ActionNotify)
	require.NoError(t, err)
	assert.Equal(t, ActionCreateNotification, a.Name())
}
