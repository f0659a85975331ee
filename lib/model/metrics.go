// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "downloaded_bytes_total",
		Help:      "Total amount of bundle data received",
	})
	metricBytesWasted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "wasted_bytes_total",
		Help:      "Total amount of bundle data received and discarded as gaps between needed chunks",
	})
	metricBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "written_bytes_total",
		Help:      "Total amount of decompressed data written to disk",
	})

	metricChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "chunks_written_total",
		Help:      "Total number of chunks written to their destination",
	})
	metricChunksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "chunks_failed_total",
		Help:      "Total number of chunks given up on",
	})
	metricFilesPatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "files_patched_total",
		Help:      "Total number of files brought up to date",
	})

	metricRangeRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "range_requests_total",
		Help:      "Total number of bundle range requests issued, including retries",
	})
	metricRangeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "range_retries_total",
		Help:      "Total number of bundle range requests retried after a failure",
	})
	metricBundleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "bundle_failures_total",
		Help:      "Total number of bundles given up on after retries",
	})

	metricPhaseSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "phase_seconds_total",
		Help:      "Total time spent in each sync phase",
	}, []string{"phase"})
	metricSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "model",
		Name:      "syncs_total",
		Help:      "Total number of sync runs, per outcome",
	}, []string{"result"})
)

const (
	syncResultComplete   = "complete"
	syncResultIncomplete = "incomplete"
	syncResultCancelled  = "cancelled"
	syncResultError      = "error"
)

func init() {
	for _, phase := range []string{PhaseVerifying, PhaseUpdating} {
		metricPhaseSeconds.WithLabelValues(phase)
	}
	for _, res := range []string{syncResultComplete, syncResultIncomplete, syncResultCancelled, syncResultError} {
		metricSyncs.WithLabelValues(res)
	}
}
