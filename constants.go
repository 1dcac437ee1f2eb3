package txncore

import "time"

// Tunable constants, all with the defaults from §6.
const (
	// MaxOps is the maximum number of operations per transaction context.
	MaxOps = 100
	// MaxRetry is the maximum number of whole-transaction commit retries.
	MaxRetry = 3
	// RetryBase is the base backoff duration for the 2PC commit retry ladder (×2 per attempt).
	RetryBase = 100 * time.Millisecond
	// OpTimeout is the default per-primitive request timeout.
	OpTimeout = 5 * time.Second
	// TxTimeout is the default whole-transaction timeout.
	TxTimeout = 30 * time.Second
	// MarkerStale is the age after which an unresolved commit marker is considered stale.
	MarkerStale = 5 * time.Minute
	// CompMaxEntries is the eviction cap per compensation-log tier.
	CompMaxEntries = 100
	// ConnRetryBase is the base backoff for record-store connection retries.
	ConnRetryBase = 500 * time.Millisecond
	// ConnRetryCap is the backoff cap for record-store connection retries.
	ConnRetryCap = 5 * time.Second
	// ConnRetryAttempts is the default number of connection attempts before giving up.
	ConnRetryAttempts = 3
)
