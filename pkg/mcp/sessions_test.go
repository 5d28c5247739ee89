package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("exec-1", "session-abc")
	sid, ok := r.SessionFor("exec-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("exec-1", "session-abc")
	r.Register("exec-2", "session-abc")

	r.Forget("exec-1")
	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("exec-1", "session-abc")
	r.Register("exec-2", "session-abc")
	r.Register("exec-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok, "exec-1 should be removed")
	_, ok = r.SessionFor("exec-2")
	assert.False(t, ok, "exec-2 should be removed")

	sid, ok := r.SessionFor("exec-3")
	assert.True(t, ok, "exec-3 should still exist")
	assert.Equal(t, "session-xyz", sid)
}
