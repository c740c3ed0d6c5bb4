// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrQueueFull indicates a bounded queue rejected a new entry.
var ErrQueueFull = errors.New("queue is full")

// ErrAgentUnavailable indicates no registered agent can take the task.
var ErrAgentUnavailable = errors.New("no available agent")

// ErrTimeout indicates a bounded wait elapsed without a result.
var ErrTimeout = errors.New("timed out")

// ErrInvalidSignature indicates a message failed signature verification.
// Verification failures are dropped silently; this error never travels
// back to the sending peer.
var ErrInvalidSignature = errors.New("invalid message signature")

// ErrNoResolver indicates no registered resolver can handle a conflict.
var ErrNoResolver = errors.New("no applicable resolver")

// ErrNoQuorum indicates a negotiation or vote ended without agreement.
var ErrNoQuorum = errors.New("no agreement reached")

// ErrInsufficientCapacity indicates a resource cannot cover a reservation.
var ErrInsufficientCapacity = errors.New("insufficient resource capacity")

// ErrNotHolder indicates a release attempt by an agent that does not
// hold the resource.
var ErrNotHolder = errors.New("agent does not hold resource")

// ErrTaskNotCancelable indicates a cancel request for a task already in
// a terminal state.
var ErrTaskNotCancelable = errors.New("task cannot be cancelled")
