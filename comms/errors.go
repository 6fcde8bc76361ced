package comms

import "fmt"

// ValidationError reports a malformed envelope. The caller must fix the
// envelope and resubmit; the bus never retries validation failures.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid envelope: " + e.Reason
}

// UnresolvedRecipientError reports a To field that names neither a known
// agent nor a known channel.
type UnresolvedRecipientError struct {
	Recipient string
}

func (e *UnresolvedRecipientError) Error() string {
	return fmt.Sprintf("unresolved recipient %q", e.Recipient)
}

// RecipientOfflineError reports a direct submission to an agent whose
// presence is offline, under the fail-fast offline policy. It is also
// returned to a Receive waiter whose agent was swept offline.
type RecipientOfflineError struct {
	AgentID string
}

func (e *RecipientOfflineError) Error() string {
	return fmt.Sprintf("recipient %q is offline", e.AgentID)
}

// PersistenceError reports a store write that still failed after the
// configured number of retries. The submission was not delivered to any
// subscriber; the caller must resubmit.
type PersistenceError struct {
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
