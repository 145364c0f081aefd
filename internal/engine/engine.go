// Package engine orchestrates one migration run: folders in
// deterministic order, one message fully round-tripped (fetch, append,
// ledger write) before the next is appended.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailport/mailport/internal/folder"
	"github.com/mailport/mailport/internal/imaputil"
	"github.com/mailport/mailport/internal/ledger"
	"github.com/mailport/mailport/internal/message"
)

type Options struct {
	// Root, when set, namespaces the whole migrated tree under one
	// target folder.
	Root string

	// Ignore lists source folders skipped without any state change.
	Ignore []string

	// Special maps exact source folder paths to target paths,
	// overriding separator translation.
	Special map[string]string

	// DryRun lists actions without touching the target or ledger.
	DryRun bool

	// Retries bounds re-attempts of a transiently failed append
	// before it is demoted to a message-level skip.
	Retries int

	// Quiet suppresses informational logs. Skips are always logged.
	Quiet bool
}

// Stats accumulates counters for one run. Not persisted.
type Stats struct {
	Messages       uint64
	Bytes          uint64
	SkippedFolders int
	SkippedMsgs    int
	Elapsed        time.Duration
}

// Migrator copies all mail from a source to a target mailbox,
// consulting the ledger so interrupted runs resume without duplicate
// appends.
type Migrator struct {
	src       Source
	dst       Target
	led       *ledger.Ledger
	opts      Options
	ignore    map[string]bool
	events    chan Event
	closeOnce sync.Once
}

func New(src Source, dst Target, led *ledger.Ledger, opts Options) *Migrator {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	ignore := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = true
	}
	return &Migrator{src: src, dst: dst, led: led, opts: opts, ignore: ignore, events: make(chan Event, 128)}
}

// Events returns a read-only channel of progress events.
func (m *Migrator) Events() <-chan Event { return m.events }

func (m *Migrator) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// drop if slow consumer
	}
}

// Run executes the migration. The returned error is fatal (auth,
// ledger, root provisioning); folder- and message-level failures are
// logged, counted in Stats and do not stop the run. Stats are valid
// even when err is non-nil.
func (m *Migrator) Run(ctx context.Context) (stats Stats, err error) {
	start := time.Now()
	defer m.closeOnce.Do(func() { close(m.events) })
	defer func() { stats.Elapsed = time.Since(start) }()

	srcSep, err := m.src.Separator()
	if err != nil {
		return stats, fmt.Errorf("source separator: %w", err)
	}
	dstSep, err := m.dst.Separator()
	if err != nil {
		return stats, fmt.Errorf("target separator: %w", err)
	}
	mapper := &folder.Mapper{
		SourceSep: srcSep,
		TargetSep: dstSep,
		Root:      m.opts.Root,
		Special:   m.opts.Special,
	}

	// The root prefix is shared by every mapped path, so failing to
	// provision it aborts the run before any folder is attempted.
	if m.opts.Root != "" && !m.opts.DryRun {
		if err := mapper.Provision(m.dst, m.opts.Root); err != nil {
			return stats, fmt.Errorf("provision root folder %s: %w", m.opts.Root, err)
		}
	}

	folders, err := m.src.ListFolders()
	if err != nil {
		return stats, fmt.Errorf("list source folders: %w", err)
	}
	sort.Strings(folders)

	for _, name := range folders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if m.ignore[name] {
			log.Printf("[folder] %s: ignored, skipping", name)
			m.emit(Event{Type: EventFolderSkip, Folder: name})
			stats.SkippedFolders++
			continue
		}
		if err := m.migrateFolder(ctx, mapper, name, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// fetched is one slot of the fetch/append pipeline: either a record,
// a ledger hit, or a fetch failure for the id.
type fetched struct {
	id   uint32
	rec  *message.Record
	seen bool
	err  error
}

// migrateFolder copies one source folder. Unselectable folders and
// provisioning failures skip the folder; only ledger and context
// errors propagate.
func (m *Migrator) migrateFolder(ctx context.Context, mapper *folder.Mapper, name string, stats *Stats) error {
	dstName := mapper.Map(name)
	if !m.opts.DryRun {
		if err := mapper.Provision(m.dst, dstName); err != nil {
			log.Printf("[folder] %s: cannot provision target %s: %v, skipping", name, dstName, err)
			m.emit(Event{Type: EventFolderSkip, Folder: name, Err: err})
			stats.SkippedFolders++
			return nil
		}
	}

	status, err := m.src.SelectFolder(name)
	if err != nil {
		log.Printf("[folder] %s: not selectable: %v, skipping", name, err)
		m.emit(Event{Type: EventFolderSkip, Folder: name, Err: err})
		stats.SkippedFolders++
		return nil
	}
	if !m.opts.Quiet {
		log.Printf("[folder] %s: contains %d messages", name, status.Messages)
	}
	m.emit(Event{Type: EventFolderStart, Folder: name})

	ids, err := m.src.SearchMessageIDs(name)
	if err != nil {
		log.Printf("[folder] %s: search failed: %v, skipping", name, err)
		m.emit(Event{Type: EventFolderSkip, Folder: name, Err: err})
		stats.SkippedFolders++
		return nil
	}
	if len(ids) == 0 {
		if !m.opts.Quiet {
			log.Printf("[folder] %s: no messages", name)
		}
		m.emit(Event{Type: EventFolderDone, Folder: name})
		return nil
	}
	m.emit(Event{Type: EventFolderProgress, Folder: name, Total: len(ids), Done: 0})

	// Single-slot pipeline: the next message is fetched from the
	// source while the current one is appended to the target. The
	// channel capacity of 1 bounds memory to one in-flight record,
	// and all ledger writes stay in the consumer, strictly after
	// their append.
	grp, gctx := errgroup.WithContext(ctx)
	slots := make(chan fetched, 1)

	grp.Go(func() error {
		defer close(slots)
		for _, id := range ids {
			slot := fetched{id: id}
			seen, err := m.led.IsSeen(gctx, dstName, id)
			if err != nil {
				return err
			}
			if seen {
				slot.seen = true
			} else {
				slot.rec, slot.err = m.src.FetchMessage(name, id)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case slots <- slot:
			}
		}
		return nil
	})

	grp.Go(func() error {
		done := 0
		for slot := range slots {
			if err := m.consume(gctx, name, dstName, slot, stats); err != nil {
				return err
			}
			done++
			m.emit(Event{Type: EventFolderProgress, Folder: name, Total: len(ids), Done: done})
		}
		return nil
	})

	if err := grp.Wait(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	m.emit(Event{Type: EventFolderDone, Folder: name})
	return nil
}

// consume finishes one pipeline slot: append, then ledger write, then
// counters. Skips never touch the ledger or the counters.
func (m *Migrator) consume(ctx context.Context, name, dstName string, slot fetched, stats *Stats) error {
	if slot.seen {
		if !m.opts.Quiet {
			log.Printf("[folder] %s: uid %d already migrated, skipping", name, slot.id)
		}
		return nil
	}
	if slot.err != nil {
		log.Printf("[folder] %s: uid %d: fetch failed: %v, skipping message", name, slot.id, slot.err)
		stats.SkippedMsgs++
		return nil
	}
	if m.opts.DryRun {
		if !m.opts.Quiet {
			log.Printf("[dry-run] append %s uid %d flags=%v date=%s", dstName, slot.id, slot.rec.Flags, slot.rec.Date.Format(time.RFC3339))
		}
		stats.Messages++
		stats.Bytes += recordBytes(slot.rec)
		return nil
	}
	if err := m.appendWithRetry(ctx, dstName, slot.rec); err != nil {
		log.Printf("[folder] %s: uid %d: append to %s failed: %v, skipping message", name, slot.id, dstName, err)
		stats.SkippedMsgs++
		return nil
	}
	if err := m.led.MarkSeen(ctx, dstName, slot.id); err != nil {
		// A message appended but not recorded would be duplicated
		// on every future run; a broken ledger is fatal.
		return err
	}
	stats.Messages++
	stats.Bytes += recordBytes(slot.rec)
	return nil
}

// appendWithRetry retries transient append failures up to the
// configured budget. Quota and auth rejections are never retried.
func (m *Migrator) appendWithRetry(ctx context.Context, dstName string, rec *message.Record) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = m.dst.AppendMessage(dstName, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, imaputil.ErrAppend) || attempt >= m.opts.Retries {
			return err
		}
		if !m.opts.Quiet {
			log.Printf("[append] %s: transient failure (attempt %d/%d): %v", dstName, attempt+1, m.opts.Retries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
}

func recordBytes(rec *message.Record) uint64 {
	if rec.Size > 0 {
		return uint64(rec.Size)
	}
	return uint64(len(rec.Body))
}
