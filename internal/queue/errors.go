package queue

import "errors"

// ErrorKind classifies the ways the queue degrades instead of failing
type ErrorKind int

const (
	// IntakeCopyFailure: the source media could not be copied into the
	// media directory; the item was queued with its original URI.
	IntakeCopyFailure ErrorKind = iota + 1
	// PersistenceReadFailure: queue.json was unreadable or corrupt and
	// was treated as empty.
	PersistenceReadFailure
	// PersistenceWriteFailure: the queue could not be written; the
	// committed state is unchanged.
	PersistenceWriteFailure
	// RemoteSyncFailure: upload or record creation failed for one item.
	RemoteSyncFailure
	// RetryExhausted: the item failed maxRetries times and was purged.
	RetryExhausted
	// MediaUnavailable: the media directory could not be created; later
	// adds skip the copy and report IntakeCopyFailure.
	MediaUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case IntakeCopyFailure:
		return "intake copy failure"
	case PersistenceReadFailure:
		return "persistence read failure"
	case PersistenceWriteFailure:
		return "persistence write failure"
	case RemoteSyncFailure:
		return "remote sync failure"
	case RetryExhausted:
		return "retry exhausted"
	case MediaUnavailable:
		return "media unavailable"
	default:
		return "unknown failure"
	}
}

// Error is a classified, already-recovered failure. Operations that return
// one still return their documented fallback value.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind, true
	}
	return 0, false
}

// IsKind reports whether any *Error in err's tree has the given kind
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	var qe *Error
	if errors.As(err, &qe) && qe.Kind == kind {
		return true
	}
	// errors.As stops at the first match; walk joined errors explicitly
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if IsKind(e, kind) {
				return true
			}
		}
	}
	return false
}

func newError(kind ErrorKind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

var errMediaUnavailable = errors.New("media directory unavailable")
