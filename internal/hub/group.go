package hub

import "sync"

// Subscriber is one attached dashboard connection. Push must not
// block; it reports true once the subscriber is gone so the group can
// prune it.
type Subscriber interface {
	Push(userID string, frame []byte) (closed bool)
}

// GroupMap holds one broadcast group per user. Groups are isolated
// from each other, so one user's device load never head-of-line-blocks
// another's subscribers.
type GroupMap struct {
	mu     sync.Mutex
	groups map[string]*Group
}

type Group struct {
	userID string
	mu     sync.Mutex
	subs   map[Subscriber]struct{}
}

func NewGroupMap() *GroupMap {
	return &GroupMap{groups: make(map[string]*Group)}
}

func (m *GroupMap) Get(userID string, create bool) (*Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[userID]
	if !ok {
		if !create {
			return nil, false
		}
		g = &Group{userID: userID, subs: make(map[Subscriber]struct{})}
		m.groups[userID] = g
	}
	return g, true
}

func (m *GroupMap) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.groups {
		n += g.Len()
	}
	return n
}

// SubscribeWith delivers an initial frame and joins the group under one
// lock, so the snapshot is ordered before any later broadcast.
func (g *Group) SubscribeWith(sub Subscriber, initial []byte) {
	g.mu.Lock()
	if initial != nil {
		sub.Push(g.userID, initial)
	}
	g.subs[sub] = struct{}{}
	g.mu.Unlock()
}

func (g *Group) Subscribe(sub Subscriber) {
	g.SubscribeWith(sub, nil)
}

func (g *Group) Unsubscribe(sub Subscriber) {
	g.mu.Lock()
	delete(g.subs, sub)
	g.mu.Unlock()
}

// Broadcast fans one frame out to every member, pruning members that
// report themselves closed.
func (g *Group) Broadcast(frame []byte) {
	g.mu.Lock()
	for sub := range g.subs {
		if sub.Push(g.userID, frame) {
			delete(g.subs, sub)
		}
	}
	g.mu.Unlock()
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
