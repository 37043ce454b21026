package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"syscall"
)

// FailureClass is the delivery failure taxonomy driving retry and the
// sequencer's circuit breaker. Every error maps to exactly one class.
type FailureClass string

const (
	// ClassTempAuth is a temporary SMTP authentication failure (454).
	ClassTempAuth FailureClass = "temp_auth"
	// ClassNetwork is a connectivity-level failure: refused, reset, timed
	// out, hung up, or unresolvable.
	ClassNetwork FailureClass = "network"
	// ClassOther is a permanent, recipient-specific failure: invalid
	// address, rejected content, missing required field.
	ClassOther FailureClass = "other"
)

func (c FailureClass) String() string { return string(c) }

// IsTransient reports whether the class is an infrastructure-level fault
// eligible for retry and for triggering the circuit breaker.
func (c FailureClass) IsTransient() bool {
	return c == ClassTempAuth || c == ClassNetwork
}

// DeliveryError carries a transport failure together with its class.
type DeliveryError struct {
	Class FailureClass
	Cause error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("delivery error (%s)", e.Class)
	}
	return fmt.Sprintf("delivery error (%s): %s", e.Class, e.Cause.Error())
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

const tempAuthReplyCode = 454

var networkErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

var tempAuthPhrases = []string{
	"454 4.7.0",
	"temporary authentication failure",
}

var networkPhrases = []string{
	"econnreset",
	"econnrefused",
	"econnaborted",
	"etimedout",
	"epipe",
	"eai_again",
	"enotfound",
	"connection reset",
	"connection refused",
	"connection closed",
	"connection lost",
	"broken pipe",
	"socket hang up",
	"socket error",
	"unexpected eof",
	"i/o timeout",
	"timed out",
	"timeout",
	"no such host",
	"network is unreachable",
	"host is unreachable",
}

// Classify labels an error as temp_auth, network, or other. It is total,
// deterministic, and side-effect free. Rules are checked in order against the
// SMTP reply code, the wrapped error chain, and the message text
// (case-insensitively).
func Classify(err error) FailureClass {
	if err == nil {
		return ClassOther
	}

	var delivery *DeliveryError
	if errors.As(err, &delivery) && delivery.Class != "" {
		return delivery.Class
	}

	text := strings.ToLower(err.Error())

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code == tempAuthReplyCode {
		return ClassTempAuth
	}
	for _, phrase := range tempAuthPhrases {
		if strings.Contains(text, phrase) {
			return ClassTempAuth
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	for _, errno := range networkErrnos {
		if errors.Is(err, errno) {
			return ClassNetwork
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassNetwork
	}
	for _, phrase := range networkPhrases {
		if strings.Contains(text, phrase) {
			return ClassNetwork
		}
	}

	return ClassOther
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).IsTransient()
}
