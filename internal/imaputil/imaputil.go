package imaputil

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mailport/mailport/internal/message"
)

// Mailbox adapts a logged-in IMAP connection to the folder and
// message operations the migration engine needs. One Mailbox wraps
// one connection; source and target each get their own.
type Mailbox struct {
	c        *client.Client
	sep      string
	selected string
}

// DialAndLogin connects and logs into an IMAP server.
func DialAndLogin(host string, port int, user, pass string, startTLS bool, tlsConfig *tls.Config) (*Mailbox, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	var c *client.Client
	var err error
	if startTLS {
		// Plain connection, then upgrade with STARTTLS
		c, err = client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, err
		}
	} else {
		c, err = client.DialTLS(addr, tlsConfig)
		if err != nil {
			return nil, err
		}
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILPORT_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if err := c.Login(user, pass); err != nil {
		_ = c.Logout()
		return nil, wrap(ErrAuth, err)
	}
	return &Mailbox{c: c}, nil
}

// Close logs out and drops the connection.
func (m *Mailbox) Close() error {
	return m.c.Logout()
}

// ListFolders returns all folder names visible to the account. The
// list is fully materialized; ordering is up to the caller. INBOX is
// always present even if the server omits it from LIST.
func (m *Mailbox) ListFolders() ([]string, error) {
	folders := []string{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	hasInbox := false
	go func() {
		done <- m.c.List("", "*", ch)
		close(done)
	}()
	for mi := range ch {
		if mi == nil {
			continue
		}
		folders = append(folders, mi.Name)
		if strings.EqualFold(mi.Name, "INBOX") {
			hasInbox = true
		}
		if m.sep == "" && mi.Delimiter != "" {
			m.sep = mi.Delimiter
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if !hasInbox {
		folders = append(folders, "INBOX")
	}
	return folders, nil
}

// Separator returns the hierarchy delimiter for this account. RFC
// 3501 defines LIST "" "" as the delimiter query.
func (m *Mailbox) Separator() (string, error) {
	if m.sep != "" {
		return m.sep, nil
	}
	ch := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.List("", "", ch)
		close(done)
	}()
	for mi := range ch {
		if mi != nil && mi.Delimiter != "" {
			m.sep = mi.Delimiter
		}
	}
	if err := <-done; err != nil {
		return "", err
	}
	if m.sep == "" {
		m.sep = "/"
	}
	return m.sep, nil
}

// SelectFolder opens a folder read-only and returns its metadata.
func (m *Mailbox) SelectFolder(path string) (*message.FolderStatus, error) {
	status, err := m.c.Select(path, true)
	if err != nil {
		m.selected = ""
		return nil, wrap(ErrNotSelectable, err)
	}
	m.selected = path
	return &message.FolderStatus{Name: status.Name, Messages: status.Messages}, nil
}

func (m *Mailbox) ensureSelected(path string) error {
	if m.selected == path {
		return nil
	}
	_, err := m.SelectFolder(path)
	return err
}

// SearchMessageIDs returns the UIDs of all messages in the folder not
// marked deleted, in server order.
func (m *Mailbox) SearchMessageIDs(folder string) ([]uint32, error) {
	if err := m.ensureSelected(folder); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	return m.c.UidSearch(criteria)
}

// FetchMessage retrieves one message with its flags, size and
// internal date. Uses BODY.PEEK so fetching does not set \Seen on the
// source.
func (m *Mailbox) FetchMessage(folder string, id uint32) (*message.Record, error) {
	if err := m.ensureSelected(folder); err != nil {
		return nil, err
	}
	seq := new(imap.SeqSet)
	seq.AddNum(id)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchUid}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seq, items, ch)
	}()
	var msg *imap.Message
	for mm := range ch {
		if mm != nil {
			msg = mm
		}
	}
	if err := <-done; err != nil {
		return nil, wrap(ErrFetch, err)
	}
	if msg == nil {
		return nil, wrap(ErrFetch, fmt.Errorf("uid %d not returned by server", id))
	}
	lit := msg.GetBody(section)
	if lit == nil {
		return nil, wrap(ErrFetch, fmt.Errorf("uid %d has no body", id))
	}
	body, err := io.ReadAll(lit)
	if err != nil {
		return nil, wrap(ErrFetch, err)
	}
	return &message.Record{
		Body:  body,
		Flags: msg.Flags,
		Size:  msg.Size,
		Date:  msg.InternalDate,
	}, nil
}

// FolderExists reports whether the folder is present on the account.
func (m *Mailbox) FolderExists(path string) (bool, error) {
	ch := make(chan *imap.MailboxInfo, 4)
	done := make(chan error, 1)
	go func() {
		done <- m.c.List("", path, ch)
		close(done)
	}()
	found := false
	for mi := range ch {
		if mi != nil && mi.Name == path {
			found = true
		}
	}
	if err := <-done; err != nil {
		return false, err
	}
	return found, nil
}

// CreateFolder creates a folder. Creating one that already exists is
// tolerated: some servers answer NO, so on error the folder is
// re-checked before the error propagates.
func (m *Mailbox) CreateFolder(path string) error {
	if err := m.c.Create(path); err != nil {
		if ok, checkErr := m.FolderExists(path); checkErr == nil && ok {
			return nil
		}
		return fmt.Errorf("create folder %s: %w", path, err)
	}
	return nil
}

// AppendMessage writes the record into the target folder, preserving
// flags and internal date. \Recent is stripped: it is server-managed
// and APPEND attempts carrying it are rejected by most servers.
func (m *Mailbox) AppendMessage(folder string, rec *message.Record) error {
	flags := make([]string, 0, len(rec.Flags))
	for _, f := range rec.Flags {
		if f == imap.RecentFlag {
			continue
		}
		flags = append(flags, f)
	}
	lit := bytes.NewReader(rec.Body)
	if err := m.c.Append(folder, flags, rec.Date, lit); err != nil {
		return classifyAppend(err)
	}
	return nil
}
