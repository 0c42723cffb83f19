package relmap

import (
	"context"
	"errors"
	"iter"

	"github.com/syssam/relmap/schema"
)

// ErrStopBatches stops batch enumeration early. Returned from a batch
// callback it terminates the loop; the enumerator reports no error.
var ErrStopBatches = errors.New("relmap: stop batches")

// A BatchCursor selects the keyset column and direction used to page
// through a result set. The column's values must be unique for the
// pagination to be stable.
type BatchCursor struct {
	Column string
	Desc   bool
}

// FindInBatches pages through the query's results in primary-key order,
// calling fn once per page with the 1-based page number. Every page but
// the last holds exactly size records; a short page ends the enumeration.
// A size of 0 uses the configured default. Each page is an independent
// keyset query, so rows inserted behind the cursor are never revisited.
func (c *Client) FindInBatches(ctx context.Context, q Query, size int, fn func(batch []*Record, page int) error) error {
	if q.err != nil {
		return q.err
	}
	return c.FindInBatchesBy(ctx, q, size, BatchCursor{Column: q.table.PrimaryKey}, fn)
}

// FindInBatchesBy pages like FindInBatches but over an arbitrary cursor
// column, ascending or descending. Any ordering or limit on the query is
// replaced by the cursor's.
func (c *Client) FindInBatchesBy(ctx context.Context, q Query, size int, cursor BatchCursor, fn func(batch []*Record, page int) error) error {
	if q.err != nil {
		return q.err
	}
	if size == 0 {
		size = c.cfg.DefaultBatchSize
	}
	if size < 1 {
		return NewInvalidQueryError("batch size must be positive, got %d", size)
	}
	if !q.table.HasColumn(cursor.Column) {
		return NewInvalidQueryError("unknown cursor column %q on %s", cursor.Column, q.table.Name)
	}
	base := q.ClearOrder().Limit(size)
	base.offset = -1
	if cursor.Desc {
		base = base.OrderDesc(cursor.Column)
	} else {
		base = base.Order(cursor.Column)
	}
	var (
		last schema.Value
		have bool
	)
	for page := 1; ; page++ {
		pq := base
		if have {
			if cursor.Desc {
				pq = pq.Where(Lt(cursor.Column, last.Interface()))
			} else {
				pq = pq.Where(Gt(cursor.Column, last.Interface()))
			}
		}
		recs, err := c.All(ctx, pq)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		if err := fn(recs, page); err != nil {
			if errors.Is(err, ErrStopBatches) {
				return nil
			}
			return err
		}
		v, ok := recs[len(recs)-1].Get(cursor.Column)
		if !ok || v.IsNull() {
			return NewInvalidQueryError("cursor column %q missing from page %d", cursor.Column, page)
		}
		last, have = v, true
		if len(recs) < size {
			return nil
		}
	}
}

// Each iterates the query's results record by record, paging underneath
// with FindInBatches. Stopping the range loop stops the paging.
func (c *Client) Each(ctx context.Context, q Query, size int) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		err := c.FindInBatches(ctx, q, size, func(batch []*Record, _ int) error {
			for _, r := range batch {
				if !yield(r, nil) {
					return ErrStopBatches
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// FindInBatchesQuery pages like FindInBatches but hands fn a query
// constrained to the page's primary keys instead of the loaded records,
// for page-scoped bulk work.
func (c *Client) FindInBatchesQuery(ctx context.Context, q Query, size int, fn func(page Query, n int) error) error {
	if q.err != nil {
		return q.err
	}
	pk := q.table.PrimaryKey
	return c.FindInBatches(ctx, q, size, func(batch []*Record, n int) error {
		ids := make([]any, len(batch))
		for i, r := range batch {
			ids[i] = r.ID().Interface()
		}
		return fn(c.Query(q.table.TypeName).Where(In(pk, ids...)), n)
	})
}
