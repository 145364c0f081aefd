package imaputil

import (
	"errors"
	"strings"
)

// Error classes surfaced to the engine. Callers match with errors.Is;
// the concrete server response stays attached for logging.
var (
	// ErrAuth covers login rejections on either account. Fatal.
	ErrAuth = errors.New("authentication failed")

	// ErrNotSelectable means a folder could not be opened. The
	// engine skips the folder and moves on.
	ErrNotSelectable = errors.New("folder not selectable")

	// ErrFetch means a message vanished or could not be retrieved
	// between search and fetch. The engine skips the message.
	ErrFetch = errors.New("fetch failed")

	// ErrAppend is a transient append failure, retryable at the
	// engine's discretion.
	ErrAppend = errors.New("append failed")

	// ErrQuota is a target-side quota rejection. Not retryable.
	ErrQuota = errors.New("quota exceeded")
)

// classifyAppend sorts a raw APPEND error into the taxonomy above.
// go-imap v1 surfaces tagged NO/BAD responses as plain errors, so
// classification goes by response text, same as other IMAP copy tools
// cope with "Mailbox already exists." style replies.
func classifyAppend(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "quota") || strings.Contains(text, "exceeded"):
		return wrap(ErrQuota, err)
	case strings.Contains(text, "auth") || strings.Contains(text, "login"):
		return wrap(ErrAuth, err)
	default:
		return wrap(ErrAppend, err)
	}
}

func wrap(class, cause error) error {
	return classifiedError{class: class, cause: cause}
}

type classifiedError struct {
	class error
	cause error
}

func (e classifiedError) Error() string { return e.class.Error() + ": " + e.cause.Error() }

func (e classifiedError) Is(target error) bool { return target == e.class }

func (e classifiedError) Unwrap() error { return e.cause }
