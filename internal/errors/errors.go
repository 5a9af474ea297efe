// Package errors defines the closed taxonomy of errors the engine produces,
// each carrying the numeric status code used on the wire (StreamData.code)
// and in parent-waiter rejections.
package errors

import "fmt"

// Status codes. 200-504 mirror conventional HTTP semantics for the subset
// the engine uses; 588-599 are workflow-runtime specific.
const (
	CodeSuccess     = 200
	CodePending     = 202
	CodeNotFound    = 404
	CodeInterrupted = 410
	CodeUnknown     = 500
	CodeTimeout     = 504

	// CodeDuplicate is never carried on the wire (Pub/PubSub reject a
	// duplicate id synchronously, before any stream message is written); it
	// exists purely as the status surfaced to the caller.
	CodeDuplicate = 409

	CodeSleep      = 588
	CodeAll        = 589
	CodeChild      = 590
	CodeProxy      = 591
	CodeWaitFor    = 595
	CodeWFTimeout  = 596
	CodeMaxed      = 597
	CodeFatal      = 598
	CodeRetryable  = 599
)

// Kind classifies an error for propagation-policy decisions in the stream
// router (which kinds are swallowed, retried, or surfaced).
type Kind int

const (
	KindInactiveJob Kind = iota
	KindGenerational
	KindGetState
	KindCollation
	KindStreamRetryable
	KindStreamFatal
	KindWorkflowInterruption
	KindWorkflowUserError
	KindDuplicateJob
)

func (k Kind) String() string {
	switch k {
	case KindInactiveJob:
		return "inactive_job"
	case KindGenerational:
		return "generational"
	case KindGetState:
		return "get_state"
	case KindCollation:
		return "collation"
	case KindStreamRetryable:
		return "stream_retryable"
	case KindStreamFatal:
		return "stream_fatal"
	case KindWorkflowInterruption:
		return "workflow_interruption"
	case KindWorkflowUserError:
		return "workflow_user_error"
	case KindDuplicateJob:
		return "duplicate_job"
	default:
		return "unknown"
	}
}

// Error is the engine's typed error carrying a Kind, a wire status Code,
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	JobID   string
	Cause   error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s (code %d, jid %s): %s", e.Kind, e.Code, e.JobID, e.Message)
	}
	return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Swallowed reports whether the router should log-and-drop this error
// rather than retry or surface it. Only duplicate-delivery collation and
// inactive/generational-job errors are swallowed.
func (e *Error) Swallowed() bool {
	switch e.Kind {
	case KindInactiveJob, KindGenerational, KindCollation:
		return true
	default:
		return false
	}
}

// New constructs an *Error of the given kind and status code.
func New(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, code int, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// InactiveJob reports a job record that no longer exists (completed and
// scrubbed, or never created). Logged and dropped by the router.
func InactiveJob(jid string) *Error {
	return &Error{Kind: KindInactiveJob, Code: CodeNotFound, Message: "job inactive", JobID: jid}
}

// Generational reports a message addressed to a prior generation (`gid`) of
// a recreated jid. Dropped by the router.
func Generational(jid string) *Error {
	return &Error{Kind: KindGenerational, Code: CodeNotFound, Message: "generation mismatch", JobID: jid}
}

// Duplicate reports a GUID ledger hit: this leg has already executed for
// this step. Expected under at-least-once redelivery; logged at info level,
// not treated as a failure.
func Duplicate(jid string) *Error {
	return &Error{Kind: KindCollation, Code: CodeSuccess, Message: "duplicate delivery", JobID: jid}
}

// Interrupted reports a 410: the job (or a parked suspension within it) was
// interrupted.
func Interrupted(jid, reason string) *Error {
	return &Error{Kind: KindWorkflowInterruption, Code: CodeInterrupted, Message: reason, JobID: jid}
}

// DuplicateJob reports that a caller-supplied jid (spec section 6, Pub's
// payload["id"]) already names a running or completed job. Surfaced
// synchronously to the second caller by Pub/PubSub, before any trigger
// message is dispatched — distinct from Duplicate above, which is an
// internal GUID-ledger replay signal the router swallows.
func DuplicateJob(jid string) *Error {
	return &Error{Kind: KindDuplicateJob, Code: CodeDuplicate, Message: "job already exists", JobID: jid}
}
