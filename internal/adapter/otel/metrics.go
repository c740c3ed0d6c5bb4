// Package otel provides OpenTelemetry instrumentation for hivegrid.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hivegrid"

// Metrics holds all hivegrid metric instruments.
type Metrics struct {
	TasksSubmitted  metric.Int64Counter
	TasksDispatched metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksTimedOut   metric.Int64Counter

	MessagesSent     metric.Int64Counter
	MessagesReceived metric.Int64Counter
	MessagesDropped  metric.Int64Counter

	ConflictsDetected  metric.Int64Counter
	ConflictsResolved  metric.Int64Counter
	ConflictsEscalated metric.Int64Counter

	MatchScore         metric.Float64Histogram
	ResolutionDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.TasksSubmitted, err = meter.Int64Counter("hivegrid.tasks.submitted",
		metric.WithDescription("Number of tasks submitted")); err != nil {
		return nil, err
	}
	if m.TasksDispatched, err = meter.Int64Counter("hivegrid.tasks.dispatched",
		metric.WithDescription("Number of tasks dispatched to agents")); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("hivegrid.tasks.completed",
		metric.WithDescription("Number of tasks completed successfully")); err != nil {
		return nil, err
	}
	if m.TasksFailed, err = meter.Int64Counter("hivegrid.tasks.failed",
		metric.WithDescription("Number of tasks terminally failed")); err != nil {
		return nil, err
	}
	if m.TasksTimedOut, err = meter.Int64Counter("hivegrid.tasks.timeout",
		metric.WithDescription("Number of task attempts that timed out")); err != nil {
		return nil, err
	}
	if m.MessagesSent, err = meter.Int64Counter("hivegrid.messages.sent",
		metric.WithDescription("Number of messages sent")); err != nil {
		return nil, err
	}
	if m.MessagesReceived, err = meter.Int64Counter("hivegrid.messages.received",
		metric.WithDescription("Number of messages received")); err != nil {
		return nil, err
	}
	if m.MessagesDropped, err = meter.Int64Counter("hivegrid.messages.dropped",
		metric.WithDescription("Number of inbound messages dropped (forged, expired, duplicate)")); err != nil {
		return nil, err
	}
	if m.ConflictsDetected, err = meter.Int64Counter("hivegrid.conflicts.detected",
		metric.WithDescription("Number of conflicts detected")); err != nil {
		return nil, err
	}
	if m.ConflictsResolved, err = meter.Int64Counter("hivegrid.conflicts.resolved",
		metric.WithDescription("Number of conflicts resolved")); err != nil {
		return nil, err
	}
	if m.ConflictsEscalated, err = meter.Int64Counter("hivegrid.conflicts.escalated",
		metric.WithDescription("Number of conflicts escalated")); err != nil {
		return nil, err
	}
	if m.MatchScore, err = meter.Float64Histogram("hivegrid.match.score",
		metric.WithDescription("Assignment scores produced by the matcher")); err != nil {
		return nil, err
	}
	if m.ResolutionDuration, err = meter.Float64Histogram("hivegrid.conflict.resolution_seconds",
		metric.WithDescription("Conflict resolution duration in seconds")); err != nil {
		return nil, err
	}

	return m, nil
}
