package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-engine/internal/domain/catalog"
)

type priceReport struct {
	Imported int64
	Rejected int64
}

// importPrices bulk-loads price list files, one worker per file. Invalid
// lines are logged and skipped.
func importPrices(ctx context.Context, sink priceSink, files []string, opts options) (*priceReport, error) {
	var imported, rejected atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for _, path := range files {
		g.Go(func() error {
			batch := make([]catalog.PriceListEntry, 0, opts.batchSize)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				n, err := sink.CopyPrices(gctx, batch)
				if err != nil {
					return errors.Wrapf(err, "copy prices from %s", path)
				}
				imported.Add(n)
				batch = batch[:0]
				return nil
			}

			err := streamGzFile(gctx, path, func(line int, b []byte) error {
				e, err := parsePrice(b)
				if err != nil {
					rejected.Add(1)
					slog.Warn("skipping price line",
						slog.String("file", path),
						slog.Int("line", line),
						slog.String("error", err.Error()),
					)
					return nil
				}
				batch = append(batch, e)
				if len(batch) == opts.batchSize {
					return flush()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
			slog.Info("price file complete", slog.String("file", path))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &priceReport{Imported: imported.Load(), Rejected: rejected.Load()}, nil
}
