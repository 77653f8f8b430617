package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-engine/db"
	"github.com/xenking/kart-engine/internal/domain/auth"
	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/storage/postgres"
)

type catalogJSON struct {
	Units []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"units"`
	Products []productJSON `json:"products"`
	Coupons  []couponJSON  `json:"coupons"`
}

type productJSON struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	QuantityOnStock  int         `json:"quantityOnStock"`
	ReorderThreshold int         `json:"reorderThreshold"`
	BasicUnitID      string      `json:"basicUnitId"`
	Units            []string    `json:"units"`
	Prices           []priceJSON `json:"prices"`
}

type priceJSON struct {
	UnitID    string           `json:"unitId"`
	Price     decimal.Decimal  `json:"price"`
	Discount  *decimal.Decimal `json:"discount"`
	ValidFrom time.Time        `json:"validFrom"`
	ValidTo   time.Time        `json:"validTo"`
}

type couponJSON struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Discount   decimal.Decimal `json:"discount"`
	UsageLimit int             `json:"usageLimit"`
	ValidFrom  time.Time       `json:"validFrom"`
	ValidTo    time.Time       `json:"validTo"`
}

type seedKey struct {
	id, name, key string
	scopes        []string
}

func main() {
	_ = godotenv.Load()

	var (
		databaseURL  string
		catalogFile  string
		cartKey      string
		adminKey     string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "", "path to a catalog JSON file (embedded demo catalog when empty)")
	flag.StringVar(&cartKey, "api-key", "", "cart-scoped API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&adminKey, "admin-key", "", "admin API key to seed (or KART_SEED_ADMIN_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if cartKey == "" {
		cartKey = os.Getenv("KART_SEED_API_KEY")
	}
	if cartKey == "" {
		slog.Error("API key is required: set --api-key or KART_SEED_API_KEY")
		os.Exit(1)
	}
	if adminKey == "" {
		adminKey = os.Getenv("KART_SEED_ADMIN_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	keys := []seedKey{{id: "default", name: "Default cart key", key: cartKey, scopes: []string{auth.ScopeCart}}}
	if adminKey != "" {
		keys = append(keys, seedKey{id: "admin", name: "Fulfillment admin key", key: adminKey, scopes: []string{auth.ScopeAdmin}})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKeyPepper, keys); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, pepper string, keys []seedKey) error {
	cat, err := readCatalog(catalogFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	admin := postgres.NewAdmin(pool)

	if err := seedCatalog(ctx, admin, cat); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := seedCoupons(ctx, admin, cat.Coupons); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	for _, k := range keys {
		if err := admin.UpsertAPIKey(ctx, auth.APIKeyInfo{
			ID:      k.id,
			KeyHash: auth.HashKey(k.key, pepper),
			Name:    k.name,
			Scopes:  k.scopes,
		}); err != nil {
			return errors.Wrapf(err, "seed api key %s", k.id)
		}
		slog.Info("upserted API key", slog.String("id", k.id), slog.Any("scopes", k.scopes))
	}

	return nil
}

func readCatalog(path string) (*catalogJSON, error) {
	data := db.SeedCatalog
	if path != "" {
		slog.Info("reading catalog file", slog.String("path", path))
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read catalog file")
		}
		data = b
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cat catalogJSON
	if err := dec.Decode(&cat); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &cat, nil
}

func seedCatalog(ctx context.Context, admin *postgres.Admin, cat *catalogJSON) error {
	units := make([]catalog.Unit, 0, len(cat.Units))
	for _, u := range cat.Units {
		units = append(units, catalog.Unit{ID: u.ID, Name: u.Name})
	}
	if err := admin.UpsertUnits(ctx, units); err != nil {
		return err
	}
	slog.Info("upserted units", slog.Int("count", len(units)))

	for _, p := range cat.Products {
		prices := make([]catalog.PriceListEntry, 0, len(p.Prices))
		for _, e := range p.Prices {
			if !e.ValidFrom.Before(e.ValidTo) {
				return errors.Errorf("product %s unit %s: empty validity window", p.ID, e.UnitID)
			}
			prices = append(prices, catalog.PriceListEntry{
				ProductID: p.ID,
				UnitID:    e.UnitID,
				Price:     e.Price,
				Discount:  e.Discount,
				ValidFrom: e.ValidFrom,
				ValidTo:   e.ValidTo,
			})
		}

		if err := admin.UpsertProduct(ctx, catalog.Product{
			ID:               p.ID,
			Name:             p.Name,
			QuantityOnStock:  p.QuantityOnStock,
			ReorderThreshold: p.ReorderThreshold,
			BasicUnitID:      p.BasicUnitID,
		}, p.Units, prices); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("prices", len(prices)),
		)
	}

	return nil
}

func seedCoupons(ctx context.Context, admin *postgres.Admin, in []couponJSON) error {
	coupons := make([]coupon.Coupon, 0, len(in))
	for _, c := range in {
		code, err := coupon.NormalizeCode(c.Code)
		if err != nil {
			return err
		}
		coupons = append(coupons, coupon.Coupon{
			Code:       code,
			Name:       c.Name,
			Discount:   c.Discount,
			UsageLimit: c.UsageLimit,
			ValidFrom:  c.ValidFrom,
			ValidTo:    c.ValidTo,
		})
	}
	if err := admin.UpsertCoupons(ctx, coupons); err != nil {
		return err
	}
	slog.Info("upserted coupons", slog.Int("count", len(coupons)))
	return nil
}
