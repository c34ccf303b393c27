// Package bus is a small in-process topic broker used to fan out bus
// transaction events and retained status snapshots.
//
// Topics are slash-free token paths such as {"i2c", "i2c0", "tx"}. A
// subscription pattern may use "+" to match exactly one token and a final
// "#" to match the remainder (including nothing).
package bus

import (
	"sync"
)

const (
	AnyOne  = "+"
	AnyRest = "#"
)

// Topic is a sequence of tokens.
type Topic []string

// T builds a topic from its tokens.
func T(tokens ...string) Topic { return Topic(tokens) }

// Match reports whether concrete topic t matches pattern p.
func (p Topic) Match(t Topic) bool {
	for i, tok := range p {
		if tok == AnyRest {
			return true
		}
		if i >= len(t) {
			return false
		}
		if tok != AnyOne && tok != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	pattern Topic
	ch      chan *Message
	conn    *Connection

	mu      sync.Mutex
	closed  bool
	dropped uint32
}

func (s *Subscription) Pattern() Topic           { return s.pattern }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// Dropped counts messages discarded to make room for newer ones.
func (s *Subscription) Dropped() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver never blocks; a full queue loses its oldest message.
func (s *Subscription) deliver(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- m:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(tok string, create bool) *node {
	c := n.children[tok]
	if c == nil && create {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		c = &node{}
		n.children[tok] = c
	}
	return c
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.retained == nil
}

// collectSubs appends every subscription whose pattern matches t[i:].
func (n *node) collectSubs(t Topic, i int, out []*Subscription) []*Subscription {
	if c := n.children[AnyRest]; c != nil {
		out = append(out, c.subs...)
	}
	if i == len(t) {
		return append(out, n.subs...)
	}
	if c := n.children[t[i]]; c != nil {
		out = c.collectSubs(t, i+1, out)
	}
	if c := n.children[AnyOne]; c != nil {
		out = c.collectSubs(t, i+1, out)
	}
	return out
}

// collectRetained appends every retained message under n matching p[i:].
func (n *node) collectRetained(p Topic, i int, out []*Message) []*Message {
	if i == len(p) {
		if n.retained != nil {
			out = append(out, n.retained)
		}
		return out
	}
	switch p[i] {
	case AnyRest:
		return n.walkRetained(out)
	case AnyOne:
		for tok, c := range n.children {
			if tok == AnyOne || tok == AnyRest {
				continue
			}
			out = c.collectRetained(p, i+1, out)
		}
		return out
	default:
		if c := n.children[p[i]]; c != nil {
			out = c.collectRetained(p, i+1, out)
		}
		return out
	}
}

func (n *node) walkRetained(out []*Message) []*Message {
	if n.retained != nil {
		out = append(out, n.retained)
	}
	for tok, c := range n.children {
		if tok == AnyOne || tok == AnyRest {
			continue
		}
		out = c.walkRetained(out)
	}
	return out
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.RWMutex
	root *node
	qLen int
}

// New creates a bus whose subscriptions buffer queueLen messages each.
func New(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// Publish delivers msg to every matching subscription. A retained message
// replaces the previous one on its topic; a retained nil payload clears it.
// Publishing on a topic containing a wildcard is ignored.
func (b *Bus) Publish(msg *Message) {
	for _, tok := range msg.Topic {
		if tok == AnyOne || tok == AnyRest {
			return
		}
	}

	b.mu.Lock()
	if msg.Retained {
		n := b.root
		for _, tok := range msg.Topic {
			n = n.child(tok, true)
		}
		if msg.Payload == nil {
			n.retained = nil
		} else {
			n.retained = msg
		}
	}
	subs := b.root.collectSubs(msg.Topic, 0, nil)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg)
	}
}

// Retained returns the retained message on topic t, if any.
func (b *Bus) Retained(t Topic) (*Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.root
	for _, tok := range t {
		if n = n.child(tok, false); n == nil {
			return nil, false
		}
	}
	return n.retained, n.retained != nil
}

func (b *Bus) subscribe(sub *Subscription) {
	b.mu.Lock()
	n := b.root
	for _, tok := range sub.pattern {
		n = n.child(tok, true)
	}
	n.subs = append(n.subs, sub)
	retained := b.root.collectRetained(sub.pattern, 0, nil)
	b.mu.Unlock()

	for _, m := range retained {
		sub.deliver(m)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	stack := make([]*node, 0, len(sub.pattern))
	for _, tok := range sub.pattern {
		stack = append(stack, n)
		if n = n.child(tok, false); n == nil {
			return
		}
	}
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	// Prune empty nodes bottom-up.
	for i := len(sub.pattern) - 1; i >= 0; i-- {
		parent, tok := stack[i], sub.pattern[i]
		if !parent.children[tok].empty() {
			break
		}
		delete(parent.children, tok)
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// Connection groups the subscriptions of one client so they can be
// released together.
type Connection struct {
	bus  *Bus
	id   string
	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

// Subscribe registers pattern. Matching retained messages are queued
// before Subscribe returns.
func (c *Connection) Subscribe(pattern Topic) *Subscription {
	sub := &Subscription{
		pattern: append(Topic(nil), pattern...),
		ch:      make(chan *Message, c.bus.qLen),
		conn:    c,
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.subscribe(sub)
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	found := false
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}
	c.bus.unsubscribe(sub)
	sub.close()
}

// Disconnect closes every subscription of c.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub)
		sub.close()
	}
}
