// Package flowtree implements the per-flow context hierarchy.
//
// Every monitored target owns a root Context. Below it sit network contexts
// (one per directed IP pair), transport contexts (one per directed port pair)
// and application contexts (one per identified dialogue). A parent owns its
// children through its children map; the child keeps only a weak
// back-reference to its parent which is used for ancestor lookups and never
// keeps the parent alive.
//
// Locking: each Context has its own mutex guarding its fields, its protocol
// state and its children map. No operation in this package holds more than
// one Context lock at a time.
package flowtree

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/endorses/flowscope/internal/pkg/address"
)

// Kind is the closed set of context kinds.
type Kind uint8

const (
	KindRoot Kind = iota
	KindIPv4
	KindTCP
	KindUDP
	KindICMP
	KindHTTP
	KindDNS
	KindSMTP
	KindFTP
	KindStream
	KindDatagram
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindIPv4:
		return "ipv4"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindICMP:
		return "icmp"
	case KindHTTP:
		return "http"
	case KindDNS:
		return "dns"
	case KindSMTP:
		return "smtp"
	case KindFTP:
		return "ftp"
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Factory builds the protocol-specific state of a new context. It runs under
// the parent's lock and must not touch other contexts.
type Factory func() any

// Tree owns the context id generator and the default TTL handed to new
// contexts. One Tree is created per engine.
type Tree struct {
	nextID     atomic.Uint64
	defaultTTL time.Duration
}

// NewTree creates a Tree whose contexts start with the given TTL.
func NewTree(defaultTTL time.Duration) *Tree {
	return &Tree{defaultTTL: defaultTTL}
}

func (t *Tree) newContext(kind Kind, flow address.FlowAddress, parent *Context, ts time.Time, state any) *Context {
	c := &Context{
		tree:     t,
		id:       t.nextID.Add(1),
		kind:     kind,
		flow:     flow,
		lastSeen: ts,
		ttl:      t.defaultTTL,
		state:    state,
	}
	if parent != nil {
		c.parent = weak.Make(parent)
	}
	return c
}

// Created returns how many contexts this tree has created.
func (t *Tree) Created() uint64 {
	return t.nextID.Load()
}

// Context is one node of the per-flow tree.
type Context struct {
	mu sync.Mutex

	tree   *Tree
	id     uint64
	kind   Kind
	flow   address.FlowAddress
	parent weak.Pointer[Context]

	children map[address.FlowAddress]*Context
	lastSeen time.Time
	ttl      time.Duration
	state    any
}

// ID returns the tree-unique context id.
func (c *Context) ID() uint64 { return c.id }

// Kind returns the context kind.
func (c *Context) Kind() Kind { return c.kind }

// Flow returns the flow address identifying c within its parent.
func (c *Context) Flow() address.FlowAddress { return c.flow }

// Parent returns the parent context, or nil for a root.
func (c *Context) Parent() *Context {
	return c.parent.Value()
}

// Lock acquires the context lock. Protocol handlers hold it while mutating
// the state returned by State.
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases the context lock.
func (c *Context) Unlock() { c.mu.Unlock() }

// State returns the protocol-specific state. It is set once at creation.
func (c *Context) State() any { return c.state }

// Touch records activity at ts.
func (c *Context) Touch(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.lastSeen) {
		c.lastSeen = ts
	}
	c.mu.Unlock()
}

// SetTTL replaces the idle lifetime of c.
func (c *Context) SetTTL(d time.Duration) {
	c.mu.Lock()
	c.ttl = d
	c.mu.Unlock()
}

// ResetTTL restores the tree's default idle lifetime.
func (c *Context) ResetTTL() {
	c.SetTTL(c.tree.defaultTTL)
}

// Expiry returns the time after which c is considered idle.
func (c *Context) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.Add(c.ttl)
}

// Len returns the number of children.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.children)
}

// Children returns a snapshot of the children.
func (c *Context) Children() []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Context, 0, len(c.children))
	for _, child := range c.children {
		out = append(out, child)
	}
	return out
}

// String renders kind, id and flow for logging.
func (c *Context) String() string {
	if c.kind == KindRoot {
		return fmt.Sprintf("root#%d", c.id)
	}
	return fmt.Sprintf("%s#%d(%s)", c.kind, c.id, c.flow)
}

// GetOrCreate returns the child of parent keyed by flow, creating it with
// factory when absent. The lookup and insert happen under parent's lock
// only. created reports whether a new context was built.
func GetOrCreate(parent *Context, flow address.FlowAddress, kind Kind, ts time.Time, factory Factory) (child *Context, created bool) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if child, ok := parent.children[flow]; ok {
		if child.kind != kind {
			panic(fmt.Sprintf("flowtree: %s already has a %s child for %s, wanted %s", parent, child.kind, flow, kind))
		}
		return child, false
	}

	var state any
	if factory != nil {
		state = factory()
	}
	child = parent.tree.newContext(kind, flow, parent, ts, state)
	if parent.children == nil {
		parent.children = make(map[address.FlowAddress]*Context)
	}
	parent.children[flow] = child
	return child, true
}

// DropChildren removes every child of c and returns how many there were.
// The caller holds c's lock.
func DropChildren(c *Context) int {
	n := len(c.children)
	c.children = nil
	return n
}

// Lookup returns the child of parent keyed by flow, or nil.
func Lookup(parent *Context, flow address.FlowAddress) *Context {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	return parent.children[flow]
}

// StateOf returns the state of c as T. A mismatch means the tree was built
// wrongly and panics.
func StateOf[T any](c *Context) T {
	s, ok := c.state.(T)
	if !ok {
		panic(fmt.Sprintf("flowtree: %s holds %T, not %T", c, c.state, *new(T)))
	}
	return s
}
