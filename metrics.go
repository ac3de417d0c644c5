// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import "expvar"

// nodeMetrics record node activity counters.
type nodeMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int // replies for unknown IDs, unknown kinds
	notifyIn    expvar.Int // number of notify messages delivered to a notifier
	callIn      expvar.Int // number of inbound requests received
	callInErr   expvar.Int // number of inbound requests answered with an error
	callActive  expvar.Int // inbound
	callOut     expvar.Int // number of outbound requests initiated
	callOutErr  expvar.Int // number of outbound requests that failed
	callPending expvar.Int // outbound
	epPruned    expvar.Int // endpoints removed because they were gone

	emap *expvar.Map
}

var rootMetrics = newNodeMetrics()

func newNodeMetrics() *nodeMetrics {
	nm := &nodeMetrics{emap: new(expvar.Map)}
	nm.emap.Set("messages_received", &nm.msgRecv)
	nm.emap.Set("messages_sent", &nm.msgSent)
	nm.emap.Set("messages_dropped", &nm.msgDropped)
	nm.emap.Set("notifies_in", &nm.notifyIn)
	nm.emap.Set("calls_in", &nm.callIn)
	nm.emap.Set("calls_in_failed", &nm.callInErr)
	nm.emap.Set("calls_active", &nm.callActive)
	nm.emap.Set("calls_out", &nm.callOut)
	nm.emap.Set("calls_out_failed", &nm.callOutErr)
	nm.emap.Set("calls_pending", &nm.callPending)
	nm.emap.Set("endpoints_pruned", &nm.epPruned)
	return nm
}
