package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNotifyListener(t *testing.T) {
	manager := NewConnectionManager(&mockCatchupQuerier{}, 0)
	listener := NewNotifyListener("host=localhost dbname=arbiter", manager)

	assert.NotNil(t, listener)
	assert.Equal(t, "host=localhost dbname=arbiter", listener.connString)
	assert.NotNil(t, listener.channels)
	assert.Equal(t, manager, listener.target)
}

func TestNotifyListener_WithoutConnection(t *testing.T) {
	// Before Start() there is no LISTEN connection. Subscribe must fail
	// loudly; Unsubscribe has nothing to undo and stays quiet.
	manager := NewConnectionManager(&mockCatchupQuerier{}, 0)
	listener := NewNotifyListener("host=localhost dbname=arbiter", manager)

	t.Run("subscribe returns error", func(t *testing.T) {
		err := listener.Subscribe(t.Context(), "agent:test")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not established")
	})

	t.Run("unsubscribe is a no-op", func(t *testing.T) {
		err := listener.Unsubscribe(t.Context(), "agent:test")
		assert.NoError(t, err)
	})

	t.Run("isListening reports false", func(t *testing.T) {
		assert.False(t, listener.isListening("agent:test"))
	})
}
