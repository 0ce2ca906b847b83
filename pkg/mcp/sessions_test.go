package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("s1", "client-abc")
	cid, ok := r.ClientFor("s1")
	assert.True(t, ok)
	assert.Equal(t, "client-abc", cid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.ClientFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("s1", "client-old")
	r.Register("s1", "client-new")

	cid, ok := r.ClientFor("s1")
	assert.True(t, ok)
	assert.Equal(t, "client-new", cid)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("s1", "client-abc")
	r.Register("s2", "client-abc")
	r.Forget("s1")

	_, ok := r.ClientFor("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_RemoveClient(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("s1", "client-abc")
	r.Register("s2", "client-abc")
	r.Register("s3", "client-xyz")

	r.RemoveClient("client-abc")

	_, ok1 := r.ClientFor("s1")
	_, ok2 := r.ClientFor("s2")
	cid, ok3 := r.ClientFor("s3")
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
	assert.Equal(t, "client-xyz", cid)
}
