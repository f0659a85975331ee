// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFilesVerified = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "scanner",
		Name:      "files_verified_total",
		Help:      "Total number of local files checked against the manifest",
	})
	metricChunksVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "scanner",
		Name:      "chunks_verified_total",
		Help:      "Total number of chunks checked on disk, by result (ok, stale)",
	}, []string{"result"})
	metricBytesHashed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundlesync",
		Subsystem: "scanner",
		Name:      "hashed_bytes_total",
		Help:      "Total amount of local data read and hashed while verifying",
	})
)

const (
	resultOK    = "ok"
	resultStale = "stale"
)

func init() {
	metricChunksVerified.WithLabelValues(resultOK)
	metricChunksVerified.WithLabelValues(resultStale)
}
