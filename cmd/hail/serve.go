// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/hail"
	"github.com/creachadair/hail/catalog"
	"github.com/creachadair/hail/handler"
	"github.com/creachadair/hail/internal/config"
	"github.com/creachadair/hail/internal/promexport"
	"github.com/creachadair/hail/peers"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const serveHelp = `Run a hub that accepts connections from leaf nodes.

Each connection is registered as an endpoint named "conn-N". The hub serves
these actions:

  echo       reply with the request payload
  ping       reply "pong"
  count      notify 1..n for a msgpack integer n, then reply "done"
  endpoints  reply with the msgpack list of registered endpoint names
  relay      call {target, action, payload} on another endpoint and relay
             its notifications and reply
  broadcast  post {action, payload} to every endpoint, and reply with the
             number of endpoints
  catalog    reply with the msgpack catalog of the actions above

If an HTTP address is set, the hub also accepts websocket connections and
exports metrics in Prometheus format.`

func runServe(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Listen != "" {
		cfg.Listen = serveFlags.Listen
	}
	if serveFlags.HTTPAddr != "" {
		cfg.HTTPAddr = serveFlags.HTTPAddr
	}
	if serveFlags.WSPath != "" {
		cfg.WebSocketPath = serveFlags.WSPath
	}
	if serveFlags.LogMessages {
		cfg.LogMessages = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	lg := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := hail.NewNode().LogTo(lg)
	registerActions(hub, cfg)
	if cfg.LogMessages {
		hub.LogMessages(func(mi hail.MessageInfo) { lg.Info().Msg(mi.String()) })
	}

	network, addr := splitAddress(cfg.Listen)
	if network == "ws" {
		return fmt.Errorf("cannot listen on %q; set http_addr and websocket_path", cfg.Listen)
	} else if network == "unix" {
		os.Remove(addr) // a stale socket would prevent listening
	}
	lst, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	lg.Info().Str("network", network).Str("addr", lst.Addr().String()).Msg("hub listening")

	g := taskgroup.New(func(err error) {
		lg.Error().Err(err).Msg("service failed")
		cancel()
	})
	g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), hub) })
	if cfg.HTTPAddr != "" {
		serveHTTP(ctx, g, hub, cfg, lg)
	}

	<-ctx.Done()
	lg.Info().Msg("shutting down")
	return errors.Join(g.Wait(), hub.Stop())
}

// serveHTTP starts an HTTP server for websocket connections and metrics,
// running until ctx ends.
func serveHTTP(ctx context.Context, g *taskgroup.Group, hub *hail.Node, cfg config.Config, lg zerolog.Logger) {
	mux := http.NewServeMux()
	var acc *peers.WebSocketAccepter
	if cfg.WebSocketPath != "" {
		acc = peers.NewWebSocketAccepter(&websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		})
		mux.Handle(cfg.WebSocketPath, acc)
		g.Go(func() error { return peers.Loop(ctx, acc, hub) })
		lg.Info().Str("path", cfg.WebSocketPath).Msg("accepting websocket connections")
	}
	if cfg.MetricsPath != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		promexport.MustRegister(reg, "hail", hub.Metrics(), promexport.DefaultGauges...)
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		lg.Info().Str("path", cfg.MetricsPath).Msg("exporting metrics")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	g.Go(func() error {
		lg.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if acc != nil {
			acc.Close()
		}
		return srv.Shutdown(context.Background())
	})
}

type relayRequest struct {
	Target  string `msgpack:"target"`
	Action  string `msgpack:"action"`
	Payload []byte `msgpack:"payload"`
}

type broadcastRequest struct {
	Action  string `msgpack:"action"`
	Payload []byte `msgpack:"payload"`
}

// registerActions installs the actions served by the hub.
func registerActions(hub *hail.Node, cfg config.Config) {
	hub.Handle("echo", handler.ParamResult(func(_ context.Context, p []byte) []byte {
		return p
	})).Handle("ping", func(_ context.Context, _ *hail.Request, rsp hail.ResponseWriter) error {
		return rsp.Send([]byte("pong"))
	}).Handle("count", handler.Notifying(
		func(ctx context.Context, n int, notify func(int) error) (string, error) {
			for i := range n {
				if err := ctx.Err(); err != nil {
					return "", err
				} else if err := notify(i + 1); err != nil {
					return "", err
				}
			}
			return "done", nil
		},
	)).Handle("endpoints", handler.ResultOnly(func(ctx context.Context) []string {
		return hail.ContextNode(ctx).Endpoints()
	})).Handle("relay", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		var r relayRequest
		if err := handler.Decode(req.Payload, &r); err != nil {
			return err
		}
		if r.Target == "" || r.Target == req.Endpoint {
			return hail.ErrorData{Message: "relay target must be another endpoint"}
		}
		n := hail.ContextNode(ctx)
		if _, ok := n.Endpoint(r.Target); !ok {
			return hail.ErrorData{Message: fmt.Sprintf("no endpoint named %q", r.Target)}
		}
		out, err := n.Call(ctx, r.Action, r.Payload, &hail.CallOptions{
			Target:   r.Target,
			Timeout:  cfg.CallTimeout,
			Notifier: func(p []byte) { rsp.Notify(p) },
		})
		var ce *hail.CallError
		if errors.As(err, &ce) && ce.Err == nil {
			return rsp.Error(ce.Payload) // pass the remote error through unchanged
		} else if err != nil {
			return err
		}
		return rsp.Send(out)
	}).Handle("broadcast", handler.ParamResultError(
		func(ctx context.Context, b broadcastRequest) (int, error) {
			n := hail.ContextNode(ctx)
			if err := n.Post(b.Action, b.Payload, ""); err != nil {
				return 0, err
			}
			return len(n.Endpoints()), nil
		},
	))
	catalog.Bind(hub, cfg.Name)
}
