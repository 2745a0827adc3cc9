package model

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced to callers.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindHostKey    Kind = "host_key"
	KindConnection Kind = "connection"
	KindPortInUse  Kind = "port_in_use"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindSystem     Kind = "system"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return Errorf(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return Errorf(KindNotFound, op, format, args...)
}

// kinder is implemented by typed errors outside this package.
type kinder interface {
	ErrorKind() Kind
}

// KindOf returns the kind of err, or KindSystem when it is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
