// Command catalog-import bulk-loads gzip-compressed NDJSON price lists and
// coupons into the catalog tables.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/storage/postgres"
)

type priceSink interface {
	CopyPrices(ctx context.Context, prices []catalog.PriceListEntry) (int64, error)
}

type couponSink interface {
	UpsertCoupons(ctx context.Context, coupons []coupon.Coupon) error
}

type options struct {
	workers           int
	batchSize         int
	expectedCodes     uint
	falsePositiveRate float64
}

func main() {
	_ = godotenv.Load()

	var (
		dataDir     string
		databaseURL string
		opts        options
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing prices-*.ndjson.gz and coupons-*.ndjson.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.workers, "workers", runtime.GOMAXPROCS(0), "files processed concurrently")
	flag.IntVar(&opts.batchSize, "batch-size", 5000, "rows written per database round trip")
	flag.UintVar(&opts.expectedCodes, "expected-codes", 1_000_000, "expected coupon codes per file, sizes the bloom filters")
	flag.Float64Var(&opts.falsePositiveRate, "bloom-fpr", 0.001, "bloom filter false positive rate")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.workers < 1 || opts.batchSize < 1 {
		slog.Error("workers and batch-size must be positive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, opts); err != nil {
		slog.Error("catalog import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("catalog import completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, opts options) error {
	priceFiles, err := listFiles(dataDir, "prices-*.ndjson.gz")
	if err != nil {
		return err
	}
	couponFiles, err := listFiles(dataDir, "coupons-*.ndjson.gz")
	if err != nil {
		return err
	}
	if len(priceFiles)+len(couponFiles) == 0 {
		slog.Info("nothing to import", slog.String("dir", dataDir))
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	admin := postgres.NewAdmin(pool)

	prices, err := importPrices(ctx, admin, priceFiles, opts)
	if err != nil {
		return errors.Wrap(err, "import prices")
	}
	slog.Info("prices imported",
		slog.Int64("rows", prices.Imported),
		slog.Int64("rejected", prices.Rejected),
	)

	coupons, err := importCoupons(ctx, admin, couponFiles, opts)
	if err != nil {
		return errors.Wrap(err, "import coupons")
	}
	slog.Info("coupons imported",
		slog.Int("rows", coupons.Imported),
		slog.Int("rejected", coupons.Rejected),
		slog.Int("duplicates", len(coupons.Duplicates)),
	)

	return nil
}

func listFiles(dir, pattern string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", pattern)
	}
	slices.Sort(files)
	return files, nil
}
