package types

import "strconv"

// Well-known metadata keys. Metadata is a free string map; these are the
// keys the daemon itself reads and writes.
const (
	MetaCorrelationID      = "correlationId"
	MetaSessionID          = "sessionId"
	MetaRetryCount         = "retryCount"
	MetaLastError          = "lastError"
	MetaErrorClass         = "errorClass"
	MetaBlockReason        = "blockReason"
	MetaLastBlockedAt      = "lastBlockedAt"
	MetaCancellationReason = "cancellationReason"
	MetaPhase              = "phase"
	MetaDelegationDepth    = "delegationDepth"
	MetaSLANotifiedAt      = "slaNotifiedAt"
)

// RetryCount returns the dispatch retry counter, zero when unset or mangled.
func (t *Task) RetryCount() int {
	n, err := strconv.Atoi(t.Meta(MetaRetryCount))
	if err != nil {
		return 0
	}
	return n
}

// SetRetryCount stores the dispatch retry counter.
func (t *Task) SetRetryCount(n int) {
	t.SetMeta(MetaRetryCount, strconv.Itoa(n))
}

// DelegationDepth returns how many handoff hops produced this task, zero
// for root tasks.
func (t *Task) DelegationDepth() int {
	n, err := strconv.Atoi(t.Meta(MetaDelegationDepth))
	if err != nil {
		return 0
	}
	return n
}
