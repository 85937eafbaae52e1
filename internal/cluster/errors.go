package cluster

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without inspecting
// messages. Kinds survive the HTTP transport.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidArgument is a configuration or precondition error.
	KindInvalidArgument
	KindIndexNotFound
	KindShardNotFound
	KindIndexClosed
	// KindAlreadyClosed means the shard engine is closing; the condition is
	// transient.
	KindAlreadyClosed
	KindNoSuchRemoteCluster
	KindRetentionLeaseNotFound
	KindRetentionLeaseAlreadyExists
	KindInvalidRetainingSeqNo
	KindRejectedExecution
	// KindHistoryMismatch means the history UUID a request was scoped to no
	// longer matches the shard.
	KindHistoryMismatch
	KindSecurity
	KindConnect
	KindTimeout
	KindTooManyRequests
)

var kindNames = map[Kind]string{
	KindUnknown:                     "unknown",
	KindInvalidArgument:             "invalid_argument",
	KindIndexNotFound:               "index_not_found",
	KindShardNotFound:               "shard_not_found",
	KindIndexClosed:                 "index_closed",
	KindAlreadyClosed:               "already_closed",
	KindNoSuchRemoteCluster:         "no_such_remote_cluster",
	KindRetentionLeaseNotFound:      "retention_lease_not_found",
	KindRetentionLeaseAlreadyExists: "retention_lease_already_exists",
	KindInvalidRetainingSeqNo:       "invalid_retaining_seq_no",
	KindRejectedExecution:           "rejected_execution",
	KindHistoryMismatch:             "history_mismatch",
	KindSecurity:                    "security",
	KindConnect:                     "connect",
	KindTimeout:                     "timeout",
	KindTooManyRequests:             "too_many_requests",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	*k = KindUnknown
	return nil
}

// Error is a failure with a Kind. Err, when set, is the underlying cause.
type Error struct {
	Kind Kind   `json:"kind"`
	Msg  string `json:"message"`
	Err  error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapKind attaches kind to err. A nil err yields nil.
func WrapKind(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
