// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package hail implements a request/response messaging layer with interim
// notifications between a central hub and the leaf processes it talks to.
//
// Each side of a conversation is a [Node]. A node registers named actions,
// serves requests for those actions from remote nodes, and invokes actions
// on remote nodes. A request may receive any number of notify replies
// followed by exactly one terminal reply, which is either a response or an
// error.
//
// # Nodes
//
// To create a new, unstarted node:
//
//	n := hail.NewNode()
//
// A leaf node talks to a single peer. To start it, call Start with a channel
// connected to the peer:
//
//	n.Start(ch)
//
// A hub talks to many leaves, each registered under a name:
//
//	hub.Register("editor", ch1)
//	hub.Register("preview", ch2)
//
// The node runs until [Node.Stop] is called or, for a leaf, until its channel
// closes. Call [Node.Wait] to wait for the node to exit and report its
// status.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive messages.
// A Channel implementation must allow concurrent use by one sender and one
// receiver. A channel whose remote end has been torn down reports an error
// wrapping [ErrEndpointGone], and a hub prunes such endpoints the next time
// it sends to them.
//
// The channel package provides some basic implementations of this interface.
//
// # Handlers
//
// To define handlers for inbound requests, use [Node.Handle]:
//
//	func count(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
//	   for i := range 3 {
//	      rsp.Notify([]byte(strconv.Itoa(i)))
//	   }
//	   return rsp.Send([]byte("done"))
//	}
//
//	n.Handle("count", count)
//
// Only the first terminal reply for a request is sent. If a handler reports
// an error, it is sent to the caller as an error reply unless the handler
// already replied.
//
// # Calls
//
// To call an action on a remote node and wait for its result, use
// [Node.Call]:
//
//	rsp, err := n.Call(ctx, "count", nil, &hail.CallOptions{
//	   Notifier: func(p []byte) { log.Printf("progress: %s", p) },
//	})
//
// [Node.Send] issues a request without waiting and returns a [Future], and
// [Node.Post] issues a request that does not want a reply. On a hub, a call
// with no target is sent to every registered endpoint, and the first terminal
// reply settles it. Errors reported for a call have concrete type
// [*CallError].
//
// # Metrics
//
// Nodes maintain a collection of metrics while running. Use [Node.Metrics]
// to obtain an [expvar.Map] containing the metrics exported by the node. By
// default, metrics are shared globally among all nodes.
//
// The metrics currently exported by nodes include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - notifies_in: counter of notify messages delivered to a notifier
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound requests currently being handled
//   - calls_out: counter of outbound requests sent
//   - calls_out_failed: counter of outbound requests resulting in errors
//   - calls_pending: gauge of outbound calls awaiting a terminal reply
//   - endpoints_pruned: counter of endpoints removed because they were gone
//
// Use [Node.Detach] to give a node its own metrics.
package hail
