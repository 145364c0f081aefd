package mboxsource

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailport/mailport/internal/imaputil"
)

const sampleMbox = "From alice@example.org Thu Jan  1 12:00:00 2015\n" +
	"From: alice@example.org\n" +
	"Date: Thu, 01 Jan 2015 12:00:00 +0000\n" +
	"Subject: first\n" +
	"\n" +
	"hello\n" +
	"\n" +
	"From bob@example.org Fri Jan  2 09:30:00 2015\n" +
	"From: bob@example.org\n" +
	"Date: Fri, 02 Jan 2015 09:30:00 +0000\n" +
	"Subject: second\n" +
	"\n" +
	"world\n"

func openSample(t *testing.T) *Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.mbox")
	if err := os.WriteFile(path, []byte(sampleMbox), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, "INBOX")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSingleFolderShape(t *testing.T) {
	s := openSample(t)
	folders, err := s.ListFolders()
	if err != nil || len(folders) != 1 || folders[0] != "INBOX" {
		t.Fatalf("ListFolders = %v, %v; want [INBOX]", folders, err)
	}
	status, err := s.SelectFolder("INBOX")
	if err != nil {
		t.Fatalf("SelectFolder: %v", err)
	}
	if status.Messages != 2 {
		t.Fatalf("Messages = %d, want 2", status.Messages)
	}
	if _, err := s.SelectFolder("Nope"); !errors.Is(err, imaputil.ErrNotSelectable) {
		t.Fatalf("SelectFolder(Nope) = %v, want ErrNotSelectable", err)
	}
}

func TestSequentialIDsAndDates(t *testing.T) {
	s := openSample(t)
	ids, err := s.SearchMessageIDs("INBOX")
	if err != nil {
		t.Fatalf("SearchMessageIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("ids = %v, want [1 2]", ids)
	}

	rec, err := s.FetchMessage("INBOX", 1)
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	want := time.Date(2015, 1, 1, 12, 0, 0, 0, time.UTC)
	if !rec.Date.Equal(want) {
		t.Fatalf("Date = %v, want %v", rec.Date, want)
	}
	if rec.Size == 0 || int(rec.Size) != len(rec.Body) {
		t.Fatalf("Size = %d, body %d bytes", rec.Size, len(rec.Body))
	}

	if _, err := s.FetchMessage("INBOX", 3); !errors.Is(err, imaputil.ErrFetch) {
		t.Fatalf("FetchMessage(3) = %v, want ErrFetch", err)
	}
}
