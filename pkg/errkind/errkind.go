// Package errkind classifies failures of the fetch pipeline. The kind of an
// error decides whether it may be retried and how it is rendered to users.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind uint8

const (
	Unknown Kind = iota
	Validation
	NotFound
	RateLimited
	Transient
	Parse
	Cache
	Client
	Canceled
)

var kindNames = [...]string{
	Unknown:     "unknown",
	Validation:  "validation",
	NotFound:    "not_found",
	RateLimited: "rate_limited",
	Transient:   "transient",
	Parse:       "parse",
	Cache:       "cache",
	Client:      "client",
	Canceled:    "canceled",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Retryable reports whether errors of kind k may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == RateLimited || k == Transient
}

const maxExcerpt = 256

// Error is the error type produced by every package of the fetch pipeline.
type Error struct {
	Kind       Kind
	Op         string
	Key        string
	StatusCode int
	// RetryAfter is the provider's hint, zero if absent.
	RetryAfter time.Duration
	// Excerpt holds the head of a payload that failed to parse.
	Excerpt string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Key != "" {
		b.WriteString(" [")
		b.WriteString(e.Key)
		b.WriteByte(']')
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Excerpt != "" {
		fmt.Fprintf(&b, " (payload: %q)", e.Excerpt)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

// ParseError wraps a decode failure together with the head of the payload.
func ParseError(op, key string, payload []byte, err error) *Error {
	excerpt := payload
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt]
	}
	return &Error{Kind: Parse, Op: op, Key: key, Excerpt: string(excerpt), Err: err}
}

// KindOf returns the kind of err. Bare context errors are Canceled, anything
// unrecognised is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Unknown
}

// RetryAfterOf returns the provider retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
