package remote

import (
	"github.com/sundial-hq/sundial/errors"
)

// Kind classifies a failure from the remote execution service so callers
// can choose a retry policy without parsing message text.
type Kind string

const (
	KindNetwork         Kind = "network"          // transport-level failure reaching the service
	KindRemoteTransient Kind = "remote_transient" // service-reported retryable condition (rate limit, exhaustion)
	KindAuth            Kind = "auth"             // credentials invalid or expired
	KindPermission      Kind = "permission"       // authorization denied for the target instance/entity
	KindQuery           Kind = "query"            // malformed or rejected query/parameters
	KindTimeout         Kind = "timeout"          // exceeded max runtime without a terminal status
	KindUnknown         Kind = "unknown"          // unclassified
)

// Retryable reports whether failures of this kind may be retried locally
// with backoff. All other kinds propagate immediately.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindRemoteTransient
}

// One sentinel per kind so classification survives arbitrary wrapping.
var kindSentinels = map[Kind]error{
	KindNetwork:         errors.New("network error"),
	KindRemoteTransient: errors.New("remote transient error"),
	KindAuth:            errors.New("authentication error"),
	KindPermission:      errors.New("permission denied"),
	KindQuery:           errors.New("query rejected"),
	KindTimeout:         errors.New("execution timed out"),
	KindUnknown:         errors.New("unknown error"),
}

// Errorf creates a classified error. The kind is attached as an errors.Mark
// so KindOf works across any number of Wrap layers.
func Errorf(kind Kind, format string, args ...interface{}) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = kindSentinels[KindUnknown]
	}
	return errors.Mark(errors.Newf(format, args...), sentinel)
}

// Classify wraps an existing error with a kind mark, preserving its chain.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = kindSentinels[KindUnknown]
	}
	return errors.Mark(err, sentinel)
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
