package memory

import (
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/outbox"
)

const (
	tableProducts     = "products"
	tableOffers       = "product_units"
	tablePrices       = "price_list"
	tableOrders       = "orders"
	tableItems        = "order_items"
	tableReservations = "reservations"
	tableCoupons      = "coupons"
	tableUsages       = "coupon_usages"
	tableOutbox       = "outbox"
)

type offerRow struct {
	Key       string
	ProductID string
	Unit      catalog.Unit
}

type priceRow struct {
	Key       string
	ProductID string
	UnitID    string
	Entry     catalog.PriceListEntry
}

type reservationRow struct {
	Key       string
	ProductID string
	UnitID    string
	Tentative int
	Committed int
}

type usageRow struct {
	Key      string
	Customer string
	Code     string
	Uses     int
}

type messageRow struct {
	Key         string
	Message     outbox.Message
	Status      outbox.Status
	LockedBy    string
	LockedUntil time.Time
	LastError   string
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func schema() *memdb.DBSchema {
	str := func(field string) memdb.Indexer {
		return &memdb.StringFieldIndex{Field: field}
	}
	id := func(field string) *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: str(field)}
	}

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableProducts: {
				Name:    tableProducts,
				Indexes: map[string]*memdb.IndexSchema{"id": id("ID")},
			},
			tableOffers: {
				Name:    tableOffers,
				Indexes: map[string]*memdb.IndexSchema{"id": id("Key")},
			},
			tablePrices: {
				Name: tablePrices,
				Indexes: map[string]*memdb.IndexSchema{
					"id": id("Key"),
					"pair": {
						Name: "pair",
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							str("ProductID"), str("UnitID"),
						}},
					},
				},
			},
			tableOrders: {
				Name: tableOrders,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       id("ID"),
					"customer": {Name: "customer", Indexer: str("Customer")},
					"status":   {Name: "status", Indexer: str("Status")},
				},
			},
			tableItems: {
				Name: tableItems,
				Indexes: map[string]*memdb.IndexSchema{
					"id":    id("ID"),
					"order": {Name: "order", Indexer: str("OrderID")},
					"key": {
						Name:   "key",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							str("OrderID"), str("ProductID"), str("UnitID"),
						}},
					},
				},
			},
			tableReservations: {
				Name:    tableReservations,
				Indexes: map[string]*memdb.IndexSchema{"id": id("Key")},
			},
			tableCoupons: {
				Name:    tableCoupons,
				Indexes: map[string]*memdb.IndexSchema{"id": id("Code")},
			},
			tableUsages: {
				Name:    tableUsages,
				Indexes: map[string]*memdb.IndexSchema{"id": id("Key")},
			},
			tableOutbox: {
				Name:    tableOutbox,
				Indexes: map[string]*memdb.IndexSchema{"id": id("Key")},
			},
		},
	}
}
