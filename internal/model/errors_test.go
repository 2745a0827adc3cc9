package model

import (
	"errors"
	"fmt"
	"testing"
)

type hostKeyErr struct{}

func (hostKeyErr) Error() string   { return "unknown key" }
func (hostKeyErr) ErrorKind() Kind { return KindHostKey }

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{errors.New("boom"), KindSystem},
		{Validation("save", "name required"), KindValidation},
		{fmt.Errorf("outer: %w", NotFound("get", "missing")), KindNotFound},
		{fmt.Errorf("wrapped: %w", hostKeyErr{}), KindHostKey},
		{Wrap(KindPortInUse, "listen", errors.New("address already in use")), KindPortInUse},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindConnection, "dial", errors.New("connection refused"))
	if err.Error() != "dial: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	err = &Error{Kind: KindSystem, Op: "write", Msg: "hosts file", Err: errors.New("disk full")}
	if err.Error() != "write: hosts file: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
