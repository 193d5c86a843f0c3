package flowtree

import (
	"sync"
	"testing"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ipFlow(a, b byte) address.FlowAddress {
	return address.NewFlow(address.IPv4([]byte{10, 0, 0, a}), address.IPv4([]byte{10, 0, 0, b}))
}

func tcpFlow(src, dst uint16) address.FlowAddress {
	return address.NewFlow(address.Port(address.ProtocolTCP, src), address.Port(address.ProtocolTCP, dst))
}

type counterState struct{ n int }

func TestGetOrCreate_ReturnsExistingChild(t *testing.T) {
	tree := NewTree(time.Minute)
	root := tree.NewRoot("dev-1", "net-1", t0)

	calls := 0
	factory := func() any { calls++; return &counterState{} }

	first, created := GetOrCreate(root, ipFlow(1, 2), KindIPv4, t0, factory)
	require.True(t, created)
	second, created := GetOrCreate(root, ipFlow(1, 2), KindIPv4, t0, factory)
	require.False(t, created)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls, "factory runs only on creation")
	assert.Equal(t, 1, root.Len())
	assert.Same(t, root, first.Parent())
}

func TestGetOrCreate_ConcurrentCallersShareChild(t *testing.T) {
	tree := NewTree(time.Minute)
	root := tree.NewRoot("dev-1", "net-1", t0)

	const workers = 32
	results := make([]*Context, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = GetOrCreate(root, ipFlow(1, 2), KindIPv4, t0, nil)
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Equal(t, 1, root.Len())
}

func TestGetOrCreate_KindMismatchPanics(t *testing.T) {
	tree := NewTree(time.Minute)
	root := tree.NewRoot("dev-1", "net-1", t0)
	GetOrCreate(root, ipFlow(1, 2), KindIPv4, t0, nil)

	assert.Panics(t, func() {
		GetOrCreate(root, ipFlow(1, 2), KindUDP, t0, nil)
	})
}

func TestContext_EmptyChildrenQueryable(t *testing.T) {
	tree := NewTree(time.Minute)
	root := tree.NewRoot("dev-1", "net-1", t0)

	assert.Equal(t, 0, root.Len())
	assert.Empty(t, root.Children())
	assert.Nil(t, Lookup(root, ipFlow(1, 2)))
	assert.Nil(t, root.Parent())
	assert.Equal(t, 0, Prune(root, t0.Add(time.Hour)))
}

func TestTree_IDsAreUniquePerTree(t *testing.T) {
	a := NewTree(time.Minute)
	b := NewTree(time.Minute)

	ra := a.NewRoot("dev", "net", t0)
	rb := b.NewRoot("dev", "net", t0)
	child, _ := GetOrCreate(ra, ipFlow(1, 2), KindIPv4, t0, nil)

	assert.Equal(t, uint64(1), ra.ID())
	assert.Equal(t, uint64(1), rb.ID(), "counters are owned by each tree")
	assert.Equal(t, uint64(2), child.ID())
	assert.Equal(t, uint64(2), a.Created())
}

func TestStateOf(t *testing.T) {
	tree := NewTree(time.Minute)
	root := tree.NewRoot("dev", "net", t0)
	child, _ := GetOrCreate(root, ipFlow(1, 2), KindIPv4, t0, func() any { return &counterState{n: 7} })

	assert.Equal(t, 7, StateOf[*counterState](child).n)
	assert.Panics(t, func() { StateOf[*Root](child) })
}

func TestContext_TouchAndTTL(t *testing.T) {
	tree := NewTree(time.Minute)
	root := tree.NewRoot("dev", "net", t0)
	child, _ := GetOrCreate(root, ipFlow(1, 2), KindIPv4, t0, nil)

	assert.Equal(t, t0.Add(time.Minute), child.Expiry())

	child.Touch(t0.Add(10 * time.Second))
	assert.Equal(t, t0.Add(70*time.Second), child.Expiry())

	child.Touch(t0) // older timestamps never move the clock back
	assert.Equal(t, t0.Add(70*time.Second), child.Expiry())

	child.SetTTL(time.Second)
	assert.Equal(t, t0.Add(11*time.Second), child.Expiry())
}
