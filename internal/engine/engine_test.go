package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/mailport/mailport/internal/imaputil"
	"github.com/mailport/mailport/internal/ledger"
	"github.com/mailport/mailport/internal/message"
)

type fakeSource struct {
	sep          string
	folders      []string
	msgs         map[string]map[uint32]*message.Record
	unselectable map[string]bool
	fetchFail    map[string]map[uint32]bool
}

func (f *fakeSource) ListFolders() ([]string, error) { return f.folders, nil }

func (f *fakeSource) Separator() (string, error) { return f.sep, nil }

func (f *fakeSource) SelectFolder(path string) (*message.FolderStatus, error) {
	if f.unselectable[path] {
		return nil, fmt.Errorf("%w: %s", imaputil.ErrNotSelectable, path)
	}
	return &message.FolderStatus{Name: path, Messages: uint32(len(f.msgs[path]))}, nil
}

func (f *fakeSource) SearchMessageIDs(folder string) ([]uint32, error) {
	ids := []uint32{}
	for id := range f.msgs[folder] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeSource) FetchMessage(folder string, id uint32) (*message.Record, error) {
	if f.fetchFail[folder][id] {
		return nil, fmt.Errorf("%w: uid %d vanished", imaputil.ErrFetch, id)
	}
	rec, ok := f.msgs[folder][id]
	if !ok {
		return nil, fmt.Errorf("%w: no uid %d", imaputil.ErrFetch, id)
	}
	return rec, nil
}

func (f *fakeSource) Close() error { return nil }

type fakeTarget struct {
	sep       string
	folders   map[string]bool
	appends   map[string][]*message.Record
	transient map[string]int // folder -> remaining transient append failures
	quota     map[string]bool
	attempts  int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		sep:       "/",
		folders:   map[string]bool{},
		appends:   map[string][]*message.Record{},
		transient: map[string]int{},
		quota:     map[string]bool{},
	}
}

func (f *fakeTarget) Separator() (string, error) { return f.sep, nil }

func (f *fakeTarget) FolderExists(path string) (bool, error) { return f.folders[path], nil }

func (f *fakeTarget) CreateFolder(path string) error {
	f.folders[path] = true
	return nil
}

func (f *fakeTarget) AppendMessage(folder string, rec *message.Record) error {
	f.attempts++
	if f.quota[folder] {
		return fmt.Errorf("%w: mailbox full", imaputil.ErrQuota)
	}
	if f.transient[folder] > 0 {
		f.transient[folder]--
		return fmt.Errorf("%w: connection reset", imaputil.ErrAppend)
	}
	f.appends[folder] = append(f.appends[folder], rec)
	return nil
}

func (f *fakeTarget) Close() error { return nil }

func rec(body string, size uint32) *message.Record {
	return &message.Record{
		Body:  []byte(body),
		Flags: []string{"\\Seen"},
		Size:  size,
		Date:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMigrateEndToEnd(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     ".",
		folders: []string{"INBOX"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {1: rec("A", 10), 2: rec("B", 20)},
		},
	}
	dst := newFakeTarget()
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Root: "archive", Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 2 || stats.Bytes != 30 {
		t.Fatalf("stats = %d messages, %d bytes; want 2, 30", stats.Messages, stats.Bytes)
	}
	if !dst.folders["archive"] || !dst.folders["archive/INBOX"] {
		t.Fatalf("target folders = %v; want archive and archive/INBOX", dst.folders)
	}
	if got := len(dst.appends["archive/INBOX"]); got != 2 {
		t.Fatalf("appended %d messages, want 2", got)
	}
	for _, id := range []uint32{1, 2} {
		seen, lerr := led.IsSeen(ctx, "archive/INBOX", id)
		if lerr != nil || !seen {
			t.Fatalf("IsSeen(archive/INBOX, %d) = %v, %v; want true", id, seen, lerr)
		}
	}

	// Second run against the same ledger appends nothing.
	stats, err = New(src, dst, led, Options{Root: "archive", Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if stats.Messages != 0 || stats.Bytes != 0 {
		t.Fatalf("second run stats = %d messages, %d bytes; want 0, 0", stats.Messages, stats.Bytes)
	}
	if got := len(dst.appends["archive/INBOX"]); got != 2 {
		t.Fatalf("second run appended duplicates: %d messages", got)
	}
}

func TestFetchFailureSkipsOnlyThatMessage(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     ".",
		folders: []string{"INBOX"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {7: rec("gone", 5), 8: rec("kept", 9)},
		},
		fetchFail: map[string]map[uint32]bool{"INBOX": {7: true}},
	}
	dst := newFakeTarget()
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 1 || stats.Bytes != 9 || stats.SkippedMsgs != 1 {
		t.Fatalf("stats = %+v; want 1 message, 9 bytes, 1 skipped", stats)
	}
	if seen, _ := led.IsSeen(ctx, "INBOX", 7); seen {
		t.Fatal("skipped message 7 must not be recorded in the ledger")
	}
	if seen, _ := led.IsSeen(ctx, "INBOX", 8); !seen {
		t.Fatal("message 8 after the skip must still be processed")
	}
}

func TestIgnoredFolderUntouched(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     "/",
		folders: []string{"INBOX", "Trash"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {1: rec("A", 10)},
			"Trash": {1: rec("junk", 4)},
		},
	}
	dst := newFakeTarget()
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Ignore: []string{"Trash"}, Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 1 || stats.SkippedFolders != 1 {
		t.Fatalf("stats = %+v; want 1 message, 1 skipped folder", stats)
	}
	if len(dst.appends["Trash"]) != 0 {
		t.Fatal("ignored folder was appended to")
	}
	if dst.folders["Trash"] {
		t.Fatal("ignored folder was provisioned on the target")
	}
}

func TestUnselectableFolderSkipped(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     "/",
		folders: []string{"Broken", "INBOX"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {1: rec("A", 10)},
		},
		unselectable: map[string]bool{"Broken": true},
	}
	dst := newFakeTarget()
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 1 || stats.SkippedFolders != 1 {
		t.Fatalf("stats = %+v; want 1 message, 1 skipped folder", stats)
	}
}

func TestAppendRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     "/",
		folders: []string{"INBOX"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {1: rec("A", 10)},
		},
	}
	dst := newFakeTarget()
	dst.transient["INBOX"] = 1
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Retries: 2, Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 1 {
		t.Fatalf("stats = %+v; transient failure within budget must still migrate", stats)
	}
	if dst.attempts != 2 {
		t.Fatalf("append attempts = %d, want 2", dst.attempts)
	}
}

func TestQuotaFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     "/",
		folders: []string{"INBOX"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {1: rec("A", 10)},
		},
	}
	dst := newFakeTarget()
	dst.quota["INBOX"] = true
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Retries: 3, Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 0 || stats.SkippedMsgs != 1 {
		t.Fatalf("stats = %+v; want 0 migrated, 1 skipped", stats)
	}
	if dst.attempts != 1 {
		t.Fatalf("append attempts = %d; quota rejection must not be retried", dst.attempts)
	}
	if seen, _ := led.IsSeen(ctx, "INBOX", 1); seen {
		t.Fatal("failed append must not be recorded in the ledger")
	}
}

func TestSpecialFolderRemap(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     ".",
		folders: []string{"Drafts"},
		msgs: map[string]map[uint32]*message.Record{
			"Drafts": {1: rec("draft", 6)},
		},
	}
	dst := newFakeTarget()
	led := openLedger(t)

	opts := Options{
		Special: map[string]string{"Drafts": "specialfolders/drafts"},
		Quiet:   true,
	}
	if _, err := New(src, dst, led, opts).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(dst.appends["specialfolders/drafts"]); got != 1 {
		t.Fatalf("appends to remapped folder = %d, want 1 (appends: %v)", got, dst.appends)
	}
	if seen, _ := led.IsSeen(ctx, "specialfolders/drafts", 1); !seen {
		t.Fatal("ledger must record the resolved target folder, not the source name")
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		sep:     ".",
		folders: []string{"INBOX"},
		msgs: map[string]map[uint32]*message.Record{
			"INBOX": {1: rec("A", 10)},
		},
	}
	dst := newFakeTarget()
	led := openLedger(t)

	stats, err := New(src, dst, led, Options{Root: "archive", DryRun: true, Quiet: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Messages != 1 {
		t.Fatalf("dry run should still count planned messages, got %+v", stats)
	}
	if dst.attempts != 0 || len(dst.folders) != 0 {
		t.Fatalf("dry run mutated the target: attempts=%d folders=%v", dst.attempts, dst.folders)
	}
	if seen, _ := led.IsSeen(ctx, "archive/INBOX", 1); seen {
		t.Fatal("dry run must not write the ledger")
	}
}
