package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T, seed byte) *Identity {
	t.Helper()
	scalar := make([]byte, 32)
	for i := range scalar {
		scalar[i] = seed + byte(i)
	}
	id, err := NewIdentity(scalar)
	require.NoError(t, err)
	return id
}

func TestMemoryBusDeliversToAllPeers(t *testing.T) {
	idA := newTestIdentity(t, 1)
	idB := newTestIdentity(t, 50)
	idC := newTestIdentity(t, 99)

	busA := NewMemoryBus(idA)
	busB := NewMemoryBus(idB)
	busC := NewMemoryBus(idC)
	LinkPeers(busA, busB, busC)

	var mu sync.Mutex
	var receivedB, receivedC Message
	var wg sync.WaitGroup
	wg.Add(2)

	busB.Subscribe(TopicDepositDecision, func(m Message) {
		mu.Lock()
		receivedB = m
		mu.Unlock()
		wg.Done()
	})
	busC.Subscribe(TopicDepositDecision, func(m Message) {
		mu.Lock()
		receivedC = m
		mu.Unlock()
		wg.Done()
	})

	require.NoError(t, busA.Publish(TopicDepositDecision, []byte("hello")))

	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, idA.PublicKey, receivedB.Sender)
	require.Equal(t, idA.PublicKey, receivedC.Sender)
	require.Equal(t, []byte("hello"), []byte(receivedB.Payload))
}

func TestMemoryBusPublishAfterCloseFails(t *testing.T) {
	id := newTestIdentity(t, 7)
	bus := NewMemoryBus(id)
	require.NoError(t, bus.Close())
	require.Error(t, bus.Publish(TopicDepositDecision, []byte("x")))
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for delivery")
	}
}
