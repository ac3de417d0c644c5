// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"slices"
	"sort"
)

// actionTable maps action names to handlers.
type actionTable map[string]Handler

// register adds or replaces the handler for name. It is a no-op if name is
// empty or h is nil.
func (t actionTable) register(name string, h Handler) {
	if name != "" && h != nil {
		t[name] = h
	}
}

func (t actionTable) lookup(name string) Handler { return t[name] }

func (t actionTable) names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// An endpoint is a named entry in an endpointTable. Several endpoints may
// share one link when a channel is registered under more than one name.
type endpoint struct {
	name string
	l    *link
}

// endpointTable is an ordered collection of named links to remote peers.
// Names are unique; links are not. The caller is responsible for
// synchronization.
type endpointTable struct {
	entries []endpoint
}

// register adds l under name, and reports whether it did so. It is a no-op
// if name is empty, l is nil, or name is already in use.
func (t *endpointTable) register(name string, l *link) bool {
	if name == "" || l == nil || t.lookup(name) != nil {
		return false
	}
	t.entries = append(t.entries, endpoint{name: name, l: l})
	return true
}

// lookup returns the link registered for name, or nil.
func (t *endpointTable) lookup(name string) *link {
	for _, e := range t.entries {
		if e.name == name {
			return e.l
		}
	}
	return nil
}

// has reports whether any entry refers to l.
func (t *endpointTable) has(l *link) bool {
	return slices.ContainsFunc(t.entries, func(e endpoint) bool { return e.l == l })
}

// unregister removes and returns the link registered for name, or nil.
func (t *endpointTable) unregister(name string) *link {
	i := slices.IndexFunc(t.entries, func(e endpoint) bool { return e.name == name })
	if i < 0 {
		return nil
	}
	l := t.entries[i].l
	t.entries = slices.Delete(t.entries, i, i+1)
	return l
}

// unregisterHandle removes and returns all entries whose channel is ch.
func (t *endpointTable) unregisterHandle(ch Channel) []endpoint {
	return t.removeIf(func(e endpoint) bool { return e.l.ch == ch })
}

// pruneDefunct removes and returns all entries whose channel isDefunct
// reports as gone. Other entries are unaffected.
func (t *endpointTable) pruneDefunct(isDefunct func(Channel) bool) []endpoint {
	return t.removeIf(func(e endpoint) bool { return isDefunct(e.l.ch) })
}

func (t *endpointTable) removeIf(match func(endpoint) bool) []endpoint {
	var out []endpoint
	t.entries = slices.DeleteFunc(t.entries, func(e endpoint) bool {
		if match(e) {
			out = append(out, e)
			return true
		}
		return false
	})
	return out
}

// links returns the link of each entry in registration order. A link
// registered under several names appears once per name.
func (t *endpointTable) links() []*link {
	out := make([]*link, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.l
	}
	return out
}

// names returns the registered names in registration order.
func (t *endpointTable) names() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.name
	}
	return out
}

func (t *endpointTable) len() int { return len(t.entries) }
