package flowtree

import (
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
)

// Root is the state of a root context: one monitored target.
type Root struct {
	DeviceID  string
	NetworkID string

	// trigger is guarded by the root context lock.
	trigger address.Address
}

// RootInfo is a snapshot of a root's identity.
type RootInfo struct {
	DeviceID  string
	NetworkID string
	Trigger   address.Address
}

// NewRoot creates a root context for one (device, network) pair.
func (t *Tree) NewRoot(deviceID, networkID string, ts time.Time) *Context {
	return t.newContext(KindRoot, address.FlowAddress{}, nil, ts, &Root{
		DeviceID:  deviceID,
		NetworkID: networkID,
	})
}

// SetTrigger replaces the trigger address of a root context.
func SetTrigger(root *Context, trigger address.Address) {
	r := StateOf[*Root](root)
	root.mu.Lock()
	r.trigger = trigger
	root.mu.Unlock()
}

// AncestorStack returns the path from the root down to and including leaf.
func AncestorStack(leaf *Context) []*Context {
	var stack []*Context
	for c := leaf; c != nil; c = c.Parent() {
		stack = append(stack, c)
	}
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack
}

// RootOf walks up from c and returns the identity of its root. ok is false
// when the chain no longer reaches a root, which happens once a sweep has
// pruned an ancestor that a packet in flight still holds a descendant of.
func RootOf(c *Context) (RootInfo, bool) {
	top, ok := Ancestor(c, KindRoot)
	if !ok {
		return RootInfo{}, false
	}
	r := StateOf[*Root](top)
	top.mu.Lock()
	defer top.mu.Unlock()
	return RootInfo{DeviceID: r.DeviceID, NetworkID: r.NetworkID, Trigger: r.trigger}, true
}

// Ancestor returns the nearest context of the given kind, starting at c
// itself.
func Ancestor(c *Context, kind Kind) (*Context, bool) {
	for ; c != nil; c = c.Parent() {
		if c.kind == kind {
			return c, true
		}
	}
	return nil, false
}

// Reverse returns the context for the opposite direction of c: the context
// reached from the same root by following every level's reversed flow
// address. It returns nil when any level of the mirrored path does not
// exist yet, or when c has been detached from its root.
func Reverse(c *Context) *Context {
	stack := AncestorStack(c)
	if len(stack) == 0 || stack[0].kind != KindRoot {
		return nil
	}
	cur := stack[0]
	for _, level := range stack[1:] {
		cur = Lookup(cur, level.flow.Reverse())
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Prune removes every descendant of c whose expiry is not after now, along
// with its subtree, and returns how many contexts were removed.
func Prune(c *Context, now time.Time) int {
	removed := 0
	for _, child := range c.Children() {
		if child.Expiry().After(now) {
			removed += Prune(child, now)
			continue
		}
		c.mu.Lock()
		owned := c.children[child.flow] == child
		if owned {
			delete(c.children, child.flow)
		}
		c.mu.Unlock()
		if owned {
			removed += 1 + countDescendants(child)
		}
	}
	return removed
}

func countDescendants(c *Context) int {
	n := 0
	for _, child := range c.Children() {
		n += 1 + countDescendants(child)
	}
	return n
}
