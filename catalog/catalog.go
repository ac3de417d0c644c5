// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog lets a node advertise the actions it implements, so that a
// remote node can discover them before calling.
//
// # Usage
//
// On a node that should advertise its actions, bind the catalog action:
//
//	catalog.Bind(node, "worker-1")
//
// The catalog reports every action registered on the node at the time of the
// request, including the catalog action itself.
//
// From another node, fetch the catalog of a remote:
//
//	cat, err := catalog.Fetch(ctx, hub, &hail.CallOptions{Target: "worker-1"})
//
// Use Has or Missing to check whether the remote implements what you need:
//
//	if miss := cat.Missing("resize", "crop"); len(miss) != 0 {
//	   return fmt.Errorf("remote lacks %q", miss)
//	}
package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/creachadair/hail"
	"github.com/creachadair/hail/handler"
	"github.com/vmihailenco/msgpack/v5"
)

// Action is the name of the action that serves a catalog.
const Action = "catalog"

// A Catalog is the list of actions implemented by a node.
type Catalog struct {
	Node    string   `msgpack:"node,omitempty"` // a label for the node, if set
	Actions []string `msgpack:"actions"`        // in sorted order
}

// Has reports whether c lists the named action.
func (c Catalog) Has(name string) bool {
	_, ok := slices.BinarySearch(c.Actions, name)
	return ok
}

// Missing returns those names that are not listed in c, in the order given.
func (c Catalog) Missing(names ...string) []string {
	var out []string
	for _, name := range names {
		if !c.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

// Encode encodes c in binary format, as a msgpack map.
func (c Catalog) Encode() []byte {
	data, err := msgpack.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("encoding catalog: %v", err))
	}
	return data
}

// Decode decodes data as a Catalog payload. The action names are sorted.
func (c *Catalog) Decode(data []byte) error {
	var tmp Catalog
	if err := msgpack.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	slices.Sort(tmp.Actions)
	*c = tmp
	return nil
}

// Of returns the catalog of actions currently registered on n.
func Of(n *hail.Node, label string) Catalog {
	return Catalog{Node: label, Actions: n.Actions()}
}

// Handler returns a handler that reports the catalog of the node serving the
// request, labelled with the given name.
func Handler(label string) hail.Handler {
	return handler.ResultOnly(func(ctx context.Context) []byte {
		return Of(hail.ContextNode(ctx), label).Encode()
	})
}

// Bind registers the catalog action on n with the given label, and returns n
// to permit chaining.
func Bind(n *hail.Node, label string) *hail.Node { return n.Handle(Action, Handler(label)) }

// Fetch calls the catalog action via n, and decodes the reply. The options
// are passed to the call; use opts.Target to choose a remote on a hub.
func Fetch(ctx context.Context, n *hail.Node, opts *hail.CallOptions) (Catalog, error) {
	data, err := n.Call(ctx, Action, nil, opts)
	if err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := c.Decode(data); err != nil {
		return Catalog{}, err
	}
	return c, nil
}
