// Package config holds the core's tunable knobs. Loading these from the
// environment or flags is the bootstrap CLI's job (out of scope for the
// core); this package only defines the fields and their defaults, the way
// cmd/relayered/relay.RelayConfig does for the teacher's relay.
package config

import "time"

// Config bundles the knobs spec.md §6 enumerates.
type Config struct {
	// CapacityCache is the LRU capacity for resolved DIDs held by the resolver.
	CapacityCache int

	// HostsWriteInterval is the minimum interval between host-state flushes
	// to the relational store.
	HostsWriteInterval time.Duration

	// PLCExportInterval is the minimum interval between PLC ledger pulls,
	// when DoPLCExport is enabled.
	PLCExportInterval time.Duration

	// DoPLCExport selects whether the resolver maintains its own mirror by
	// periodically importing PLC export batches (true), or reads a
	// pre-populated mirror read-only and fetches individual DIDs from the
	// PLC directory on miss (false).
	DoPLCExport bool

	// Labeler switches the resolver and validator into the labeler build
	// variant: DID documents are read for #atproto_labeler/#atproto_label
	// fields instead of #atproto_pds/#atproto, and repo-head tracking is
	// skipped (see SPEC_FULL.md "SUPPLEMENTED FEATURES").
	Labeler bool

	// BatchSize bounds how many upstream messages the validator drains per
	// loop iteration before yielding.
	BatchSize int

	// IdleSleep is how long the validator sleeps when the upstream channel
	// is empty.
	IdleSleep time.Duration

	// MaxRevFuture bounds how far in the future a commit's rev may claim to
	// be before it is rejected as clock skew abuse.
	MaxRevFuture time.Duration

	// PublisherBatchCursors bounds how many firehose entries a publisher
	// worker reads per inner loop iteration.
	PublisherBatchCursors int

	// PublisherSendBufferCeiling is the max bytes a connection's outbound
	// buffer may hold before the worker sheds it.
	PublisherSendBufferCeiling int

	// DataDir is the base directory for the embedded KV store and the two
	// sqlite files (relay.db, plc_directory.db).
	DataDir string
}

const (
	defaultCapacityCache              = 2_000_000
	defaultHostsWriteInterval         = 10 * time.Second
	defaultPLCExportInterval          = 5 * time.Minute
	defaultBatchSize                  = 1024
	defaultIdleSleep                  = 100 * time.Microsecond
	defaultMaxRevFuture               = time.Hour
	defaultPublisherBatchCursors      = 32
	defaultPublisherSendBufferCeiling = 16 << 20 // 16 MiB
)

// PollTimeout is how long the resolver waits for an outstanding HTTP future
// before giving the validator loop back control; it is not user-tunable,
// matching rsky-relay's hardcoded POLL_TIMEOUT.
const PollTimeout = 10 * time.Microsecond

// RequestTimeout bounds a single outbound HTTP request (DID document or PLC
// export fetch).
const RequestTimeout = 30 * time.Second

// TCPKeepAlive is the keep-alive interval for the resolver's HTTP client.
const TCPKeepAlive = 300 * time.Second

// UserAgent is sent on every outbound HTTP request the resolver makes.
const UserAgent = "atrelay/1.0"

// Default returns a Config populated with the defaults described above.
func Default() *Config {
	return &Config{
		CapacityCache:              defaultCapacityCache,
		HostsWriteInterval:         defaultHostsWriteInterval,
		PLCExportInterval:          defaultPLCExportInterval,
		DoPLCExport:                false,
		Labeler:                    false,
		BatchSize:                  defaultBatchSize,
		IdleSleep:                  defaultIdleSleep,
		MaxRevFuture:               defaultMaxRevFuture,
		PublisherBatchCursors:      defaultPublisherBatchCursors,
		PublisherSendBufferCeiling: defaultPublisherSendBufferCeiling,
		DataDir:                    ".",
	}
}
