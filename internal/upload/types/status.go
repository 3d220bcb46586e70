// Package types defines the upload lifecycle vocabulary: statuses, the
// validated transition table, scan verdicts and duplicate reasons.
package types

import "fmt"

// Status is the lifecycle state of an upload record.
type Status string

const (
	StatusQuarantined      Status = "quarantined"
	StatusScanning         Status = "scanning"
	StatusSafe             Status = "safe"
	StatusSuspicious       Status = "suspicious"
	StatusInfected         Status = "infected"
	StatusScanFailed       Status = "scan_failed"
	StatusMetadataVerified Status = "metadata_verified"
	StatusMoved            Status = "moved"
	StatusDuplicate        Status = "duplicate_discarded"
	StatusMoveFailed       Status = "move_failed"
	StatusDeleted          Status = "deleted"
	StatusAutoDeleted      Status = "auto_deleted"
	StatusEmergencyDeleted Status = "emergency_deleted"
)

// transitions lists every legal status change. Self-transitions are
// always allowed (scan polling re-writes scanning while pending).
var transitions = map[Status][]Status{
	StatusQuarantined: {
		StatusScanning, StatusSafe, StatusInfected, StatusMetadataVerified,
		StatusDeleted, StatusAutoDeleted, StatusEmergencyDeleted,
	},
	StatusScanning: {
		StatusSafe, StatusSuspicious, StatusInfected, StatusScanFailed,
		StatusDeleted, StatusAutoDeleted, StatusEmergencyDeleted,
	},
	StatusSafe: {
		StatusMetadataVerified, StatusMoved, StatusDuplicate,
		StatusMoveFailed, StatusDeleted,
	},
	StatusSuspicious: {
		StatusDeleted,
	},
	StatusInfected: {
		StatusDeleted, StatusAutoDeleted,
	},
	StatusScanFailed: {
		StatusScanning, StatusDeleted, StatusAutoDeleted, StatusEmergencyDeleted,
	},
	StatusMetadataVerified: {
		StatusMoved, StatusDuplicate, StatusMoveFailed, StatusDeleted,
	},
	StatusMoveFailed: {
		StatusMoved, StatusDuplicate, StatusDeleted,
	},
	// terminal states
	StatusMoved:            {},
	StatusDuplicate:        {},
	StatusDeleted:          {},
	StatusAutoDeleted:      {},
	StatusEmergencyDeleted: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether s -> next is a legal transition.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition validates and returns the next status.
func (s Status) Transition(next Status) (Status, error) {
	if !next.Valid() {
		return s, fmt.Errorf("unknown status %q", next)
	}
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal status transition %s -> %s", s, next)
	}
	return next, nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// KeptStatuses are states where the file content is authoritative and
// retained; duplicate detection compares against these.
func KeptStatuses() []Status {
	return []Status{StatusMoved, StatusSafe, StatusMetadataVerified}
}

// VerifiedStatuses are the states from which a move may start.
// move_failed is included so an operator can retry after a failed move.
func VerifiedStatuses() []Status {
	return []Status{StatusMetadataVerified, StatusSafe, StatusMoveFailed}
}

// QuarantineLiveStatuses count against the quarantine size cap.
func QuarantineLiveStatuses() []Status {
	return []Status{StatusQuarantined, StatusScanning}
}

// StaleCleanupStatuses are eligible for age-based cleanup.
func StaleCleanupStatuses() []Status {
	return []Status{StatusQuarantined, StatusScanning, StatusScanFailed, StatusInfected}
}

// EmergencyCleanupStatuses are eligible for emergency eviction.
// Infected files are kept out so evidence survives an emergency sweep.
func EmergencyCleanupStatuses() []Status {
	return []Status{StatusQuarantined, StatusScanning, StatusScanFailed}
}

// In reports whether s is a member of set.
func (s Status) In(set []Status) bool {
	for _, m := range set {
		if s == m {
			return true
		}
	}
	return false
}

// ScanResult is the verdict reported by the scanning provider.
type ScanResult string

const (
	ScanResultClean      ScanResult = "clean"
	ScanResultUndetected ScanResult = "undetected"
	ScanResultSuspicious ScanResult = "suspicious"
	ScanResultMalicious  ScanResult = "malicious"
	ScanResultPending    ScanResult = "pending"
	ScanResultError      ScanResult = "error"
)

// StatusForScanResult maps a scan verdict onto the record status.
func StatusForScanResult(r ScanResult) Status {
	switch r {
	case ScanResultMalicious:
		return StatusInfected
	case ScanResultClean, ScanResultUndetected:
		return StatusSafe
	case ScanResultSuspicious:
		return StatusSuspicious
	case ScanResultPending:
		return StatusScanning
	default:
		return StatusScanFailed
	}
}

// Duplicate reasons recorded on discarded or renamed uploads.
const (
	ReasonExactHashDatabase     = "exact_hash_match_database"
	ReasonExactHashFilesystem   = "exact_hash_match_filesystem" // suffixed with :<path>
	ReasonNameConflictRenamed   = "name_conflict_renamed"
	ReasonNameConflictDiscarded = "name_conflict_rename_disabled"
)

// FilesystemDuplicateReason formats the filesystem-match reason with the
// conflicting library path.
func FilesystemDuplicateReason(path string) string {
	return fmt.Sprintf("%s:%s", ReasonExactHashFilesystem, path)
}
