package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies bridge lifecycle failures so the transport layer can map
// them to responses without parsing message text.
type Code string

const (
	CodeUnsupportedNetwork Code = "UNSUPPORTED_NETWORK"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotConnected       Code = "NOT_CONNECTED"
	CodeBusy               Code = "OPERATION_IN_PROGRESS"
	CodeBotJoinFailed      Code = "BOT_JOIN_FAILED"
	CodeBridgeBotError     Code = "BRIDGE_BOT_ERROR"
	CodeArtifactTimeout    Code = "ARTIFACT_TIMEOUT"
	CodeKeyConflict        Code = "KEY_CONFLICT"
	CodeInternal           Code = "INTERNAL"
)

// Error is a classified bridge failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns err's classification, or CodeInternal for plain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsKeyConflict reports whether err looks like the homeserver rejecting a
// one-time key upload because the key already exists. That error means the
// on-disk device session is out of step with the server and a store reset
// is the only way forward.
func IsKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeKeyConflict {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "One time key") && strings.Contains(msg, "already exists")
}
