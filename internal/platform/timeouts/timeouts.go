// Package timeouts defines shared timeout constants used across the sync
// service and its tools. Centralizing these values prevents drift between
// process boundaries and makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the sync gRPC endpoint.
const GRPCDial = 2 * time.Second

// StoreCall caps the time allowed for a single module store operation
// inside a propagation transaction.
const StoreCall = 5 * time.Second

// Propagation caps one full propagation round across every registered
// module, including conflict resolution and commit.
const Propagation = 30 * time.Second

// Shutdown limits how long the sync server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
