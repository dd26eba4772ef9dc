package offlinecache

import "fmt"

// CacheStatusName identifies this cache in the Cache-Status header (RFC 9211).
const CacheStatusName = "offline-cache"

const CacheStatusHeader = "Cache-Status"

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request
	// (cross-origin, or no worker in control).
	FwdReasonBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss CacheStatusFwdReason = "miss"
)

// CacheStatus describes how a response was produced.
type CacheStatus struct {
	hit       bool
	fwdReason CacheStatusFwdReason
	fwdStatus int
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// ForwardStatus records the status code the network returned.
func (cs *CacheStatus) ForwardStatus(status int) {
	cs.fwdStatus = status
}

// Stored marks the forwarded response as written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.hit
}

func (cs *CacheStatus) FwdReason() CacheStatusFwdReason {
	return cs.fwdReason
}

func (cs *CacheStatus) IsStored() bool {
	return cs.stored
}

func (cs *CacheStatus) String() string {
	status := CacheStatusName
	if cs.hit {
		status += "; hit"
	} else if cs.fwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.fwdReason)
		if cs.fwdStatus != 0 {
			status = fmt.Sprintf("%s; fwd-status=%d", status, cs.fwdStatus)
		}
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status += "; detail=" + cs.detail
	}
	return status
}
