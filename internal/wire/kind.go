package wire

// Kind names an error category surfaced in response messages and in
// internal error values, per the taxonomy in the protocol design.
type Kind string

const (
	KindProtocol     Kind = "protocol"
	KindIntegrity    Kind = "integrity"
	KindStale        Kind = "stale"
	KindNotFound     Kind = "not_found"
	KindExists       Kind = "exists"
	KindIsDirectory  Kind = "is_directory"
	KindInvalidPath  Kind = "invalid_path"
	KindWriteFailed  Kind = "write_failed"
	KindTimeout      Kind = "timeout"
	KindUnavailable  Kind = "unavailable"
	KindFatal        Kind = "fatal"
)

// Error wraps an underlying cause with a taxonomy Kind so handlers can
// report a kind-coded message without losing the original error for logs.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Op
	}
	return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind carried by err, defaulting to write_failed for
// errors that were never classified (the taxonomy treats that as the
// general-purpose "something on our side went wrong" bucket).
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}
	if asError(err, &e) {
		return e.Kind
	}
	return KindWriteFailed
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
