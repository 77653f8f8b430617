// Package memory implements the engine store on go-memdb. Write
// transactions are serialized by memdb, which makes every engine operation
// trivially atomic and isolated. It backs unit tests and single-process
// demo deployments.
package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/hashicorp/go-memdb"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/engine"
	"github.com/xenking/kart-engine/internal/outbox"
)

// Store is an in-memory engine.Store and outbox.Store.
type Store struct {
	db    *memdb.MemDB
	seq   atomic.Int64
	clock func() time.Time
}

var (
	_ engine.Store = (*Store)(nil)
	_ outbox.Store = (*Store)(nil)
)

// New creates an empty Store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.Wrap(err, "create memdb")
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Tx runs fn in a write transaction, committing only when fn succeeds.
// Waiting for the memdb writer lock does not observe ctx; a deadline that
// passes meanwhile is only reported once fn returns, and the transaction is
// then discarded.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := fn(ctx, &tx{txn: txn, store: s}); err != nil {
		return err
	}
	// The deadline may have passed while waiting for the writer lock.
	if err := ctx.Err(); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// PutProduct stores a product and the units it is sold in. The first unit
// becomes the basic unit when p.BasicUnitID is empty.
func (s *Store) PutProduct(p catalog.Product, units ...catalog.Unit) error {
	if p.BasicUnitID == "" && len(units) > 0 {
		p.BasicUnitID = units[0].ID
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableProducts, &p); err != nil {
		return errors.Wrapf(err, "insert product %s", p.ID)
	}
	for _, u := range units {
		row := &offerRow{Key: pairKey(p.ID, u.ID), ProductID: p.ID, Unit: u}
		if err := txn.Insert(tableOffers, row); err != nil {
			return errors.Wrapf(err, "insert unit %s", u.ID)
		}
	}
	txn.Commit()
	return nil
}

// PutPrice stores a price list entry. A zero ID is assigned.
func (s *Store) PutPrice(e catalog.PriceListEntry) error {
	if e.ID == 0 {
		e.ID = s.seq.Add(1)
	}
	row := &priceRow{
		Key:       fmt.Sprintf("%020d", e.ID),
		ProductID: e.ProductID,
		UnitID:    e.UnitID,
		Entry:     e,
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tablePrices, row); err != nil {
		return errors.Wrapf(err, "insert price %d", e.ID)
	}
	txn.Commit()
	return nil
}

// PutCoupon stores a coupon.
func (s *Store) PutCoupon(c coupon.Coupon) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableCoupons, &c); err != nil {
		return errors.Wrapf(err, "insert coupon %s", c.Code)
	}
	txn.Commit()
	return nil
}

// Messages returns every outbox message in append order.
func (s *Store) Messages() []outbox.Message {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableOutbox, "id")
	if err != nil {
		return nil
	}
	var res []outbox.Message
	for raw := it.Next(); raw != nil; raw = it.Next() {
		res = append(res, raw.(*messageRow).Message)
	}
	return res
}

// ClaimBatch leases up to limit pending messages, including in-progress ones
// whose lease has expired.
func (s *Store) ClaimBatch(ctx context.Context, relayID string, limit int, lease time.Duration) ([]outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableOutbox, "id")
	if err != nil {
		return nil, errors.Wrap(err, "scan outbox")
	}
	var claimed []*messageRow
	for raw := it.Next(); raw != nil && len(claimed) < limit; raw = it.Next() {
		row := raw.(*messageRow)
		switch {
		case row.Status == outbox.StatusPending:
		case row.Status == outbox.StatusInProgress && row.LockedUntil.Before(now):
		default:
			continue
		}
		next := *row
		next.Status = outbox.StatusInProgress
		next.LockedBy = relayID
		next.LockedUntil = now.Add(lease)
		claimed = append(claimed, &next)
	}

	res := make([]outbox.Message, 0, len(claimed))
	for _, row := range claimed {
		if err := txn.Insert(tableOutbox, row); err != nil {
			return nil, errors.Wrap(err, "claim message")
		}
		res = append(res, row.Message)
	}
	txn.Commit()
	return res, nil
}

// MarkSent marks messages as delivered.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	return s.update(ctx, ids, func(row *messageRow) {
		row.Status = outbox.StatusSent
		row.LockedBy = ""
	})
}

// MarkFailed records a failed delivery attempt.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) error {
	return s.update(ctx, []int64{id}, func(row *messageRow) {
		row.Message.Attempts++
		row.LastError = reason
		row.LockedBy = ""
		row.Status = outbox.StatusPending
		if row.Message.Attempts >= maxAttempts {
			row.Status = outbox.StatusFailed
		}
	})
}

// Status returns the delivery state of a message.
func (s *Store) Status(id int64) (outbox.Status, bool) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableOutbox, "id", messageKey(id))
	if err != nil || raw == nil {
		return "", false
	}
	return raw.(*messageRow).Status, true
}

func (s *Store) update(ctx context.Context, ids []int64, fn func(row *messageRow)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, id := range ids {
		raw, err := txn.First(tableOutbox, "id", messageKey(id))
		if err != nil {
			return errors.Wrapf(err, "get message %d", id)
		}
		if raw == nil {
			return errors.Errorf("message %d not found", id)
		}
		row := *raw.(*messageRow)
		fn(&row)
		if err := txn.Insert(tableOutbox, &row); err != nil {
			return errors.Wrapf(err, "update message %d", id)
		}
	}
	txn.Commit()
	return nil
}

func messageKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}
