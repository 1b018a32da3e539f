// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package metrics exposes Prometheus collectors for the collaboration server.
// All collectors register on the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks collaboration sessions currently alive.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cytosync",
		Subsystem: "collab",
		Name:      "active_sessions",
		Help:      "Number of collaboration sessions currently active.",
	})

	// ConnectedMembers tracks members across all sessions.
	ConnectedMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cytosync",
		Subsystem: "collab",
		Name:      "connected_members",
		Help:      "Number of members connected across all sessions.",
	})

	// MessagesReceived counts inbound frames by type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cytosync",
		Subsystem: "collab",
		Name:      "messages_received_total",
		Help:      "Inbound collaboration frames by message type.",
	}, []string{"type"})

	// BroadcastsSent counts frames fanned out to members.
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cytosync",
		Subsystem: "collab",
		Name:      "broadcasts_sent_total",
		Help:      "Frames delivered to session members.",
	})

	// DroppedFrames counts frames dropped due to slow or failed members and
	// to rate limiting.
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cytosync",
		Subsystem: "collab",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped, by reason.",
	}, []string{"reason"})

	// Saves counts autosave attempts by outcome.
	Saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cytosync",
		Subsystem: "persistence",
		Name:      "saves_total",
		Help:      "Session state save attempts, by outcome.",
	}, []string{"outcome"})

	// SaveDuration observes how long state saves take.
	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cytosync",
		Subsystem: "persistence",
		Name:      "save_duration_seconds",
		Help:      "Duration of session state saves.",
		Buckets:   prometheus.DefBuckets,
	})

	// Reverts counts history revert requests by outcome.
	Reverts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cytosync",
		Subsystem: "persistence",
		Name:      "reverts_total",
		Help:      "History revert requests, by outcome.",
	}, []string{"outcome"})
)
