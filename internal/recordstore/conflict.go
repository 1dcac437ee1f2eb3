package recordstore

import "github.com/lattice-io/txncore/vectorclock"

// ConflictReason names the branch of the §4.2.4 decision table that
// produced a Resolution.
type ConflictReason string

const (
	ReasonNewRecord         ConflictReason = "new_record"
	ReasonLegacyData        ConflictReason = "legacy_data"
	ReasonExistingLegacy    ConflictReason = "existing_legacy"
	ReasonIncomingLegacy    ConflictReason = "incoming_legacy"
	ReasonSameEpoch         ConflictReason = "same_epoch"
	ReasonIncomingNewer     ConflictReason = "incoming_newer"
	ReasonExistingNewer     ConflictReason = "existing_newer"
	ReasonConcurrentUpdate  ConflictReason = "concurrent_update"
)

// Winner names which side of the comparison should be persisted.
type Winner string

const (
	WinnerExisting Winner = "existing"
	WinnerIncoming Winner = "incoming"
)

// Resolution is the outcome of DetectWriteConflict.
type Resolution struct {
	HasConflict  bool
	Winner       Winner
	Reason       ConflictReason
	IsConcurrent bool
}

// DetectWriteConflict implements §4.2.4 exactly. existing may be nil
// (absent record).
func DetectWriteConflict(existing, incoming Record) Resolution {
	if existing == nil {
		return Resolution{HasConflict: false, Winner: WinnerIncoming, Reason: ReasonNewRecord}
	}

	existingStamped := existing.IsStamped()
	incomingStamped := incoming.IsStamped()

	if !existingStamped && !incomingStamped {
		return Resolution{HasConflict: false, Winner: WinnerIncoming, Reason: ReasonLegacyData}
	}
	if existingStamped && !incomingStamped {
		return Resolution{HasConflict: false, Winner: WinnerIncoming, Reason: ReasonExistingLegacy}
	}
	if !existingStamped && incomingStamped {
		return Resolution{HasConflict: true, Winner: WinnerExisting, Reason: ReasonIncomingLegacy}
	}

	existingClock, _ := existing.WriteEpoch()
	incomingClock, _ := incoming.WriteEpoch()

	switch vectorclock.Compare(existingClock, incomingClock) {
	case vectorclock.Equal:
		return Resolution{HasConflict: false, Winner: WinnerIncoming, Reason: ReasonSameEpoch}
	case vectorclock.Before:
		return Resolution{HasConflict: false, Winner: WinnerIncoming, Reason: ReasonIncomingNewer}
	case vectorclock.After:
		return Resolution{HasConflict: true, Winner: WinnerExisting, Reason: ReasonExistingNewer}
	default: // Concurrent
		existingWriter, _ := existing.WriterID()
		incomingWriter, _ := incoming.WriterID()
		winner := WinnerExisting
		if incomingWriter < existingWriter {
			winner = WinnerIncoming
		}
		return Resolution{HasConflict: true, Winner: winner, Reason: ReasonConcurrentUpdate, IsConcurrent: true}
	}
}
