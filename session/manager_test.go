package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_RegisterGet(t *testing.T) {
	m := NewManager(zap.NewNop())
	s := NewLocal(1, zap.NewNop())
	s.CharID = 10
	m.Register(s)

	assert.Same(t, s, m.Get(10))
	assert.True(t, m.IsOnline(10))
	assert.Equal(t, 1, m.Count())
}

func TestManager_Register_DisplacesDuplicate(t *testing.T) {
	m := NewManager(zap.NewNop())
	old := NewLocal(1, zap.NewNop())
	old.CharID = 10
	m.Register(old)

	replacement := NewLocal(1, zap.NewNop())
	replacement.CharID = 10
	m.Register(replacement)

	assert.True(t, old.IsClosed())
	assert.Same(t, replacement, m.Get(10))
	assert.Equal(t, 1, m.Count())
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(zap.NewNop())
	s := NewLocal(1, zap.NewNop())
	s.CharID = 10
	m.Register(s)
	m.Unregister(10)
	assert.Nil(t, m.Get(10))
	assert.False(t, m.IsOnline(10))
}

func TestManager_ObserversOf_OwnerAndSubscribers(t *testing.T) {
	m := NewManager(zap.NewNop())

	owner := NewLocal(1, zap.NewNop())
	owner.CharID = 10
	m.Register(owner)

	watcher := NewLocal(2, zap.NewNop())
	watcher.CharID = 20
	watcher.Subscribe(10)
	m.Register(watcher)

	stranger := NewLocal(3, zap.NewNop())
	stranger.CharID = 30
	m.Register(stranger)

	obs := m.ObserversOf(10)
	require.Len(t, obs, 2)
	ids := []int64{obs[0].CharID, obs[1].CharID}
	assert.ElementsMatch(t, []int64{10, 20}, ids)
}

func TestSession_Observes_SelfAlways(t *testing.T) {
	s := NewLocal(1, zap.NewNop())
	s.CharID = 10
	assert.True(t, s.Observes(10))
	assert.False(t, s.Observes(20))
	s.Subscribe(20)
	assert.True(t, s.Observes(20))
	s.Unsubscribe(20)
	assert.False(t, s.Observes(20))
}

func TestSession_SendRaw_DropsWhenClosed(t *testing.T) {
	s := NewLocal(1, zap.NewNop())
	s.Close()
	s.SendRaw([]byte("x")) // must not panic or block
	assert.True(t, s.IsClosed())
}

func TestSession_SendRaw_NonBlockingWhenFull(t *testing.T) {
	s := NewLocal(1, zap.NewNop())
	for i := 0; i < sendChanBuf+10; i++ {
		s.SendRaw([]byte("x")) // overflow drops instead of blocking
	}
	assert.Equal(t, sendChanBuf, len(s.SendChan))
}
