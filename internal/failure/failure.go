// Package failure classifies errors into the buckets the admin layer reacts to:
// invalid input, conflicts, missing records, transient infrastructure trouble and
// data-integrity bugs.
package failure

import (
	"context"
	"errors"
	"net"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindConflict
	KindNotFound
	KindTransient
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Retryable сообщает, можно ли повторить операцию без исправления входных данных.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

type kinder interface {
	Kind() Kind
}

// Error is a sentinel error carrying its kind.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Kind() Kind    { return e.kind }

type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Kind() Kind    { return w.kind }
func (w *wrapped) Unwrap() error { return w.err }

// Wrap attaches a kind to an arbitrary error. A nil error stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

func Transient(err error) error { return Wrap(KindTransient, err) }
func Integrity(err error) error { return Wrap(KindIntegrity, err) }

// KindOf walks the error chain. Explicit kinds win; timeouts and deadlines are
// transient even when nobody classified them.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }
