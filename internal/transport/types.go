// Package transport abstracts the chat messaging platform. The rest of the
// relay talks to an Adapter and reasons about failures through the
// classified SendError taxonomy; only the telegram subpackage knows about
// the concrete API.
package transport

import (
	"context"
	"errors"
	"time"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Parse modes accepted by SendOptions.ParseMode. Empty means plain text.
const (
	ParseModeMarkdown = "Markdown"
	ParseModeHTML     = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the messaging collaborator. Every send-side call may fail with
// a *SendError carrying a classified kind.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, path, caption string, opt SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, path string, opt SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// Probe verifies the connection to the platform (used by recovery).
	Probe(ctx context.Context) error
}

// ErrorKind classifies a transport failure for retry decisions.
type ErrorKind int

const (
	// KindTransient covers network blips and unclassified API errors;
	// retried with backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited carries the server-requested cooldown; waiting it
	// out does not consume the retry budget.
	KindRateLimited
	// KindBadMarkup means the destination rejected the message's rich-text
	// markup; retried once in plain text.
	KindBadMarkup
	// KindBlocked means the subscriber blocked the bot or the chat is
	// gone; never retried, subscriber is pruned.
	KindBlocked
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindBadMarkup:
		return "bad_markup"
	case KindBlocked:
		return "blocked"
	default:
		return "transient"
	}
}

// SendError wraps a platform error with its classification.
type SendError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // meaningful for KindRateLimited only
	Err        error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify extracts the error kind from any send-side error. Unwrapped or
// unknown errors default to KindTransient.
func Classify(err error) (ErrorKind, time.Duration) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind, se.RetryAfter
	}
	return KindTransient, 0
}
