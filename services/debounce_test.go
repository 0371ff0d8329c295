package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebounceGate_CooldownWindow(t *testing.T) {
	gate := NewDebounceGate()
	cooldown := 60 * time.Second

	assert.True(t, gate.ShouldFire("fall:p-1", cooldown, epoch))
	assert.False(t, gate.ShouldFire("fall:p-1", cooldown, epoch.Add(10*time.Second)))
	assert.False(t, gate.ShouldFire("fall:p-1", cooldown, epoch.Add(59*time.Second)))
	// exactly one cooldown later passes
	assert.True(t, gate.ShouldFire("fall:p-1", cooldown, epoch.Add(60*time.Second)))
	assert.False(t, gate.ShouldFire("fall:p-1", cooldown, epoch.Add(61*time.Second)))
}

func TestDebounceGate_SuppressedCallDoesNotExtendWindow(t *testing.T) {
	gate := NewDebounceGate()
	cooldown := time.Minute

	assert.True(t, gate.ShouldFire("k", cooldown, epoch))
	assert.False(t, gate.ShouldFire("k", cooldown, epoch.Add(50*time.Second)))
	assert.True(t, gate.ShouldFire("k", cooldown, epoch.Add(65*time.Second)))
}

func TestDebounceGate_KeysAreIndependent(t *testing.T) {
	gate := NewDebounceGate()

	assert.True(t, gate.ShouldFire("fall:p-1", time.Minute, epoch))
	assert.True(t, gate.ShouldFire("fall:p-2", time.Minute, epoch))

	assert.False(t, gate.ShouldFire("fall:p-1", time.Minute, epoch.Add(time.Second)))
}

func TestDebounceGate_PruneKeepsOpenWindows(t *testing.T) {
	gate := NewDebounceGate()
	require.True(t, gate.ShouldFire("fall:p-1", time.Minute, epoch))
	require.True(t, gate.ShouldFire("fall:p-2", time.Minute, epoch.Add(50*time.Second)))

	assert.Equal(t, 1, gate.Prune(epoch.Add(70*time.Second), time.Minute))
	assert.Len(t, gate.lastFired, 1)

	// p-2 is still cooling down after the prune
	assert.False(t, gate.ShouldFire("fall:p-2", time.Minute, epoch.Add(70*time.Second)))
	assert.True(t, gate.ShouldFire("fall:p-1", time.Minute, epoch.Add(70*time.Second)))
}

func TestDebounceGate_ConcurrentCallersOneWinner(t *testing.T) {
	gate := NewDebounceGate()
	var wins int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.ShouldFire("fall:p-1", time.Minute, epoch) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}
