// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/svcutil"
)

type watchCmd struct {
	SourceOptions `embed:""`

	Interval      time.Duration `default:"1h" env:"BUNDLESYNC_INTERVAL" help:"Time between syncs"`
	MetricsListen string        `placeholder:"ADDR" env:"BUNDLESYNC_METRICS_LISTEN" help:"Serve Prometheus metrics on this address"`
}

func (c *watchCmd) Run(ctx context.Context, progress progressReporter) error {
	if c.BundleURL == "" {
		return errors.New("no bundle URL given")
	}

	sup := suture.New("bundlesync", svcutil.SpecWithInfoLogger())
	sup.Add(svcutil.AsService(func(ctx context.Context) error {
		return c.syncLoop(ctx, progress)
	}, "sync"))
	if c.MetricsListen != "" {
		// Restarts of the metrics listener are only interesting when
		// debugging.
		metrics := suture.New("metrics", svcutil.SpecWithDebugLogger())
		metrics.Add(svcutil.AsService(func(ctx context.Context) error {
			return serveMetrics(ctx, c.MetricsListen)
		}, "metrics"))
		sup.Add(metrics)
	}
	svcutil.OnSupervisorDone(sup, func() {
		slog.Info("Stopped watching", slog.String("manifest", c.Manifest))
	})

	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncLoop syncs every interval until cancelled. Failed or incomplete
// syncs are retried at the next interval.
func (c *watchCmd) syncLoop(ctx context.Context, progress progressReporter) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		res, err := runSync(ctx, c.SourceOptions, progress)
		switch status := svcutil.SyncStatus(res, err); status {
		case svcutil.ExitCancelled:
			return ctx.Err()
		case svcutil.ExitSuccess:
			slog.Info("Sync complete", slog.Duration("next", c.Interval))
		default:
			slog.Warn("Sync did not complete", slog.String("status", status.String()), slog.Duration("next", c.Interval), slogutil.Error(err))
		}
		timer.Reset(c.Interval)
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// The address won't get any better by restarting.
		return svcutil.NoRestartErr(err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Serving metrics", slog.String("address", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}
