// Package timeouts defines shared timeout constants used across Signet
// processes. Centralizing these values prevents drift between process
// boundaries and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// CoalesceWait bounds how long a duplicate idempotent request waits for the
// first in-flight request to finish before giving up.
const CoalesceWait = 10 * time.Second

// StorePurge caps a single storage hygiene sweep.
const StorePurge = 30 * time.Second
