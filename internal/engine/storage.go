package engine

// This file defines the mailbox capability interfaces the engine
// consumes. Both are satisfied by imaputil.Mailbox; the mbox-backed
// source satisfies Source only.

import "github.com/mailport/mailport/internal/message"

// Source lists, opens and fetches from the account being migrated.
type Source interface {
	// ListFolders returns every folder visible to the account,
	// fully materialized. The engine imposes its own ordering.
	ListFolders() ([]string, error)

	// Separator returns the account's hierarchy delimiter.
	Separator() (string, error)

	// SelectFolder opens a folder read-only and returns its
	// metadata. Fails with imaputil.ErrNotSelectable when the
	// folder cannot be opened.
	SelectFolder(path string) (*message.FolderStatus, error)

	// SearchMessageIDs returns identifiers of all messages in the
	// folder not marked deleted, in server order.
	SearchMessageIDs(folder string) ([]uint32, error)

	// FetchMessage retrieves one message. Fails with
	// imaputil.ErrFetch when the message vanished between search
	// and fetch.
	FetchMessage(folder string, id uint32) (*message.Record, error)

	Close() error
}

// Target provisions folders and receives messages on the destination
// account.
type Target interface {
	Separator() (string, error)
	FolderExists(path string) (bool, error)
	CreateFolder(path string) error

	// AppendMessage writes the record preserving flags and
	// internal date. Transient failures are imaputil.ErrAppend;
	// imaputil.ErrQuota and imaputil.ErrAuth are not retryable.
	AppendMessage(folder string, rec *message.Record) error

	Close() error
}
