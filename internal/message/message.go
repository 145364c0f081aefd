package message

// This file provides the common data objects shared by the rest of
// the program.

import "time"

// Record is the unit of transfer: one message as fetched from the
// source. Immutable once built; the body is the raw RFC822 text and
// the flags are passed through verbatim.
type Record struct {
	// Raw RFC822 message body.
	Body []byte

	// IMAP flags at fetch time, e.g. \Seen or \Answered. Opaque
	// tokens; never interpreted here.
	Flags []string

	// Server-reported RFC822.SIZE. May differ from len(Body) on
	// servers with sloppy size accounting; counters use this value.
	Size uint32

	// INTERNALDATE of the message on the source server.
	Date time.Time
}

// FolderStatus is the metadata returned when a folder is selected.
type FolderStatus struct {
	Name     string
	Messages uint32
}
