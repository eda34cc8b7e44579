package timeline

import (
	"context"
	"fmt"

	"halalledger/internal/ledger/backend"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
)

// Cursor walks a batch history one backend page at a time. It is not safe for
// concurrent use. The upper bound is fixed on the first call to Next.
type Cursor struct {
	source Source
	id     domain.BatchID
	from   uint64
	to     uint64

	pages      []backend.Range
	next       int
	started    bool
	sawCreated bool
}

// Cursor returns a lazy cursor over [from, to]; to is capped at the head at first read.
func (r *Reconstructor) Cursor(id domain.BatchID, from, to uint64) *Cursor {
	return &Cursor{source: r.source, id: id, from: from, to: to}
}

// Next returns the entries of the next page that reference the batch. Pages without
// matching events yield an empty slice. ok is false once the range is exhausted.
func (c *Cursor) Next(ctx context.Context) (entries []Entry, ok bool, err error) {
	if !c.started {
		from, to, err := clampToHead(ctx, c.source, c.from, c.to)
		if err != nil {
			return nil, false, err
		}
		c.pages = backend.Pages(from, to, c.source.MaxRange())
		c.started = true
	}
	if c.next >= len(c.pages) {
		return nil, false, nil
	}

	page := c.pages[c.next]
	events, err := c.source.ReadEvents(ctx, page.From, page.To)
	if err != nil {
		return nil, false, dErrors.Wrap(fmt.Errorf("read events %d..%d: %w", page.From, page.To, err),
			dErrors.CodeBackendRejected, "failed to read log range")
	}
	c.next++

	entries, sawCreated := collect(c.id, page.From, page.To, events)
	c.sawCreated = c.sawCreated || sawCreated
	return entries, true, nil
}

// Partial reports whether the pages read so far lacked the creation event.
// Only meaningful once Next has returned ok == false.
func (c *Cursor) Partial() bool {
	return !c.sawCreated
}

// Reset rewinds the cursor. The upper bound is re-resolved on the next read.
func (c *Cursor) Reset() {
	c.pages = nil
	c.next = 0
	c.started = false
	c.sawCreated = false
}
