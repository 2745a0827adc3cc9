package sshclient

import (
	"fmt"

	"github.com/treykane/sshgate/internal/model"
)

// HostKeyVerificationRequiredError is returned when the server key is not
// trusted yet, or differs from the one recorded for the host.
type HostKeyVerificationRequiredError struct {
	Alias       string
	Fingerprint string
	HostAddress string
	Changed     bool
}

func (e *HostKeyVerificationRequiredError) Error() string {
	if e.Changed {
		return fmt.Sprintf("host key for %s (%s) changed; new fingerprint %s", e.Alias, e.HostAddress, e.Fingerprint)
	}
	return fmt.Sprintf("host key for %s (%s) is not trusted; fingerprint %s", e.Alias, e.HostAddress, e.Fingerprint)
}

func (e *HostKeyVerificationRequiredError) ErrorKind() model.Kind { return model.KindHostKey }

func (e *HostKeyVerificationRequiredError) Info() model.HostKeyVerification {
	return model.HostKeyVerification{
		Alias:       e.Alias,
		Fingerprint: e.Fingerprint,
		HostAddress: e.HostAddress,
		Changed:     e.Changed,
	}
}

// PasswordRequiredError is returned when every auth method was rejected.
// Retry is set when a password was offered and refused.
type PasswordRequiredError struct {
	Alias   string
	Retry   bool
	Message string
}

func (e *PasswordRequiredError) Error() string {
	return fmt.Sprintf("%s: %s", e.Alias, e.Message)
}

func (e *PasswordRequiredError) ErrorKind() model.Kind { return model.KindAuth }

func (e *PasswordRequiredError) Info() model.PasswordRequired {
	return model.PasswordRequired{Alias: e.Alias, Retry: e.Retry, Message: e.Message}
}

func newPasswordRequired(alias string, retry bool) *PasswordRequiredError {
	msg := "password required"
	if retry {
		msg = "password rejected"
	}
	return &PasswordRequiredError{Alias: alias, Retry: retry, Message: msg}
}
