// Package mboxsource exposes a local mbox file as a migration source
// with a single folder. Message ids are sequential positions in the
// file, starting at 1.
package mboxsource

import (
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/mailport/mailport/internal/imaputil"
	"github.com/mailport/mailport/internal/message"
)

type Source struct {
	folder  string
	records []*message.Record
}

// Open reads the whole mbox into records. Mbox archives in this
// domain are bounded, and materializing up front gives the engine the
// same stable id space on every run, which the ledger key depends on.
func Open(path, folderName string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	s := &Source{folder: folderName}
	r := mbox.NewReader(f)
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			return s, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read mbox: %w", err)
		}
		var bldr strings.Builder
		if _, err := io.Copy(&bldr, mr); err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		raw := bldr.String()
		var date time.Time
		if msg, perr := mail.ReadMessage(strings.NewReader(raw)); perr == nil {
			if dh := msg.Header.Get("Date"); dh != "" {
				if t, per := mail.ParseDate(dh); per == nil {
					date = t
				}
			}
		}
		if date.IsZero() {
			date = time.Now()
		}
		s.records = append(s.records, &message.Record{
			Body: []byte(raw),
			Size: uint32(len(raw)),
			Date: date,
		})
	}
}

func (s *Source) ListFolders() ([]string, error) {
	return []string{s.folder}, nil
}

func (s *Source) Separator() (string, error) {
	return "/", nil
}

func (s *Source) SelectFolder(path string) (*message.FolderStatus, error) {
	if path != s.folder {
		return nil, fmt.Errorf("%w: no such folder %s", imaputil.ErrNotSelectable, path)
	}
	return &message.FolderStatus{Name: s.folder, Messages: uint32(len(s.records))}, nil
}

func (s *Source) SearchMessageIDs(folder string) ([]uint32, error) {
	if folder != s.folder {
		return nil, fmt.Errorf("%w: no such folder %s", imaputil.ErrNotSelectable, folder)
	}
	ids := make([]uint32, len(s.records))
	for i := range s.records {
		ids[i] = uint32(i + 1)
	}
	return ids, nil
}

func (s *Source) FetchMessage(folder string, id uint32) (*message.Record, error) {
	if folder != s.folder {
		return nil, fmt.Errorf("%w: no such folder %s", imaputil.ErrNotSelectable, folder)
	}
	if id < 1 || int(id) > len(s.records) {
		return nil, fmt.Errorf("%w: no message %d in %s", imaputil.ErrFetch, id, folder)
	}
	return s.records[id-1], nil
}

func (s *Source) Close() error { return nil }
