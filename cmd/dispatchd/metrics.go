// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/job"
	"github.com/modryn/go-dispatch/transfer"
)

var dispatchSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "modryn",
		Subsystem: "dispatch",
		Name:      "sessions",
		Help:      "Connected websocket sessions",
	},
)

var dispatchJobs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "modryn",
		Subsystem: "dispatch",
		Name:      "jobs",
		Help:      "Retained jobs by state",
	},
	[]string{
		"state",
	},
)

var dispatchDownloads = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "modryn",
		Subsystem: "dispatch",
		Name:      "pending_downloads",
		Help:      "Unclaimed download tokens",
	},
)

func init() {
	prometheus.MustRegister(dispatchSessions)
	prometheus.MustRegister(dispatchJobs)
	prometheus.MustRegister(dispatchDownloads)
}

func observe(m *dispatch.Middleware, downloads *transfer.Registry) {
	states := []job.State{job.Waiting, job.Running, job.Success, job.Failed, job.Aborted}
	for range time.Tick(5 * time.Second) {
		dispatchSessions.Set(float64(m.SessionCount()))
		dispatchDownloads.Set(float64(downloads.Pending()))

		counts := make(map[job.State]int, len(states))
		for _, j := range m.Jobs().All() {
			counts[j.State()]++
		}
		for _, state := range states {
			dispatchJobs.With(prometheus.Labels{
				"state": state.String(),
			}).Set(float64(counts[state]))
		}
	}
}
