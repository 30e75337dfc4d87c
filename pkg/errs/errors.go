// Package errs defines the error taxonomy shared by the pool and its
// collaborators. Every error carries a Kind (the class of failure) and a Code
// (the concrete condition); errors.Is matches on Code so wrapped errors still
// compare equal to the exported sentinels.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by how the caller is expected to react.
type Kind string

const (
	KindConfiguration Kind = "configuration" // fatal at setup
	KindProtocol      Kind = "protocol"      // per message, recoverable
	KindCorrelation   Kind = "correlation"   // caller error
	KindTransport     Kind = "transport"     // network or TLS failure
	KindLifecycle     Kind = "lifecycle"     // pool state
)

// Code names a concrete failure condition.
type Code string

const (
	CodeInvalidCertificate           Code = "invalid_certificate"
	CodeInvalidSerializationContract Code = "invalid_serialization_contract"
	CodeReservedTypeTag              Code = "reserved_type_tag"
	CodeConflictingRule              Code = "conflicting_rule"
	CodeRegistryFrozen               Code = "registry_frozen"
	CodeConflictingPeer              Code = "conflicting_peer"
	CodeInvalidConfig                Code = "invalid_config"
	CodeMalformedEnvelope            Code = "malformed_envelope"
	CodeUnknownTypeTag               Code = "unknown_type_tag"
	CodeUnsupportedType              Code = "unsupported_type"
	CodeDuplicateMessageID           Code = "duplicate_message_id"
	CodeDuplicateReceiveRequest      Code = "duplicate_receive_request"
	CodeUnknownPeer                  Code = "unknown_peer"
	CodeUnknownOrigin                Code = "unknown_origin"
	CodeTransport                    Code = "transport_failure"
	CodeServerNotStarted             Code = "server_not_started"
	CodePoolClosed                   Code = "pool_closed"
)

// Sentinels. Compare with errors.Is.
var (
	ErrInvalidCertificate           = &Error{Kind: KindConfiguration, Code: CodeInvalidCertificate}
	ErrInvalidSerializationContract = &Error{Kind: KindConfiguration, Code: CodeInvalidSerializationContract}
	ErrReservedTypeTag              = &Error{Kind: KindConfiguration, Code: CodeReservedTypeTag}
	ErrConflictingRule              = &Error{Kind: KindConfiguration, Code: CodeConflictingRule}
	ErrRegistryFrozen               = &Error{Kind: KindConfiguration, Code: CodeRegistryFrozen}
	ErrConflictingPeer              = &Error{Kind: KindConfiguration, Code: CodeConflictingPeer}
	ErrInvalidConfig                = &Error{Kind: KindConfiguration, Code: CodeInvalidConfig}
	ErrMalformedEnvelope            = &Error{Kind: KindProtocol, Code: CodeMalformedEnvelope}
	ErrUnknownTypeTag               = &Error{Kind: KindProtocol, Code: CodeUnknownTypeTag}
	ErrUnsupportedType              = &Error{Kind: KindProtocol, Code: CodeUnsupportedType}
	ErrDuplicateMessageID           = &Error{Kind: KindProtocol, Code: CodeDuplicateMessageID}
	ErrDuplicateReceiveRequest      = &Error{Kind: KindCorrelation, Code: CodeDuplicateReceiveRequest}
	ErrUnknownPeer                  = &Error{Kind: KindCorrelation, Code: CodeUnknownPeer}
	ErrUnknownOrigin                = &Error{Kind: KindCorrelation, Code: CodeUnknownOrigin}
	ErrTransport                    = &Error{Kind: KindTransport, Code: CodeTransport}
	ErrServerNotStarted             = &Error{Kind: KindLifecycle, Code: CodeServerNotStarted}
	ErrPoolClosed                   = &Error{Kind: KindLifecycle, Code: CodePoolClosed}
)

// Error is the structured error type used throughout the module.
type Error struct {
	Cause     error
	Kind      Kind
	Code      Code
	Op        string
	Peer      string
	MessageID string
	Detail    string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Peer != "" {
		b.WriteString(" peer=")
		b.WriteString(e.Peer)
	}
	if e.MessageID != "" {
		b.WriteString(" id=")
		b.WriteString(e.MessageID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same Code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// From starts a builder that copies Kind and Code from a sentinel.
func From(sentinel *Error) *Builder {
	return &Builder{err: Error{Kind: sentinel.Kind, Code: sentinel.Code}}
}

func (b *Builder) Op(op string) *Builder        { b.err.Op = op; return b }
func (b *Builder) Peer(peer string) *Builder    { b.err.Peer = peer; return b }
func (b *Builder) MessageID(id string) *Builder { b.err.MessageID = id; return b }
func (b *Builder) Cause(err error) *Builder     { b.err.Cause = err; return b }

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ByCode returns the sentinel for a code, or nil.
func ByCode(c Code) *Error {
	for _, s := range all {
		if s.Code == c {
			return s
		}
	}
	return nil
}

var all = []*Error{
	ErrInvalidCertificate, ErrInvalidSerializationContract, ErrReservedTypeTag,
	ErrConflictingRule, ErrRegistryFrozen, ErrConflictingPeer, ErrInvalidConfig,
	ErrMalformedEnvelope, ErrUnknownTypeTag, ErrUnsupportedType, ErrDuplicateMessageID,
	ErrDuplicateReceiveRequest, ErrUnknownPeer, ErrUnknownOrigin, ErrTransport,
	ErrServerNotStarted, ErrPoolClosed,
}
