package main

import (
	"context"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-engine/internal/domain/coupon"
)

// couponSet is what one coupon file contributes after pass 2: coupons whose
// code is unique for certain, and coupons whose code another file's filter
// also reported.
type couponSet struct {
	unique     []coupon.Coupon
	candidates map[string]coupon.Coupon
}

// couponReport summarizes a coupon import.
type couponReport struct {
	Imported   int
	Rejected   int
	Duplicates []string
}

// importCoupons loads coupon files. A code that appears in more than one
// file is ambiguous and is skipped. Detection runs in two passes: a bloom
// filter per file, then a re-scan that tests each code against the other
// files' filters and confirms hits exactly.
func importCoupons(ctx context.Context, sink couponSink, files []string, opts options) (*couponReport, error) {
	report := &couponReport{}
	if len(files) == 0 {
		return report, nil
	}
	if len(files) > bits.UintSize {
		return nil, errors.Errorf("at most %d coupon files per run, got %d", bits.UintSize, len(files))
	}

	// Pass 1: one filter per file.
	slog.Info("coupons pass 1: building bloom filters", slog.Int("files", len(files)))

	filters := make([]*bloom.BloomFilter, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.expectedCodes, opts.falsePositiveRate)
			var count int
			err := streamGzFile(gctx, path, func(_ int, b []byte) error {
				c, err := parseCoupon(b)
				if err != nil {
					// Reported in pass 2.
					return nil
				}
				filter.AddString(c.Code)
				count++
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			slog.Info("coupons pass 1 complete", slog.String("file", path), slog.Int("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Pass 2: split each file into unique codes and candidates.
	slog.Info("coupons pass 2: finding duplicates")

	sets := make([]couponSet, len(files))
	var mu sync.Mutex
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i, path := range files {
		g.Go(func() error {
			set := couponSet{candidates: map[string]coupon.Coupon{}}
			rejected := 0
			err := streamGzFile(gctx, path, func(line int, b []byte) error {
				c, err := parseCoupon(b)
				if err != nil {
					rejected++
					slog.Warn("skipping coupon line",
						slog.String("file", path),
						slog.Int("line", line),
						slog.String("error", err.Error()),
					)
					return nil
				}
				for j, f := range filters {
					if j != i && f.TestString(c.Code) {
						set.candidates[c.Code] = c
						return nil
					}
				}
				set.unique = append(set.unique, c)
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s for duplicates", path)
			}
			slog.Info("coupons pass 2 complete",
				slog.String("file", path),
				slog.Int("unique", len(set.unique)),
				slog.Int("candidates", len(set.candidates)),
			)
			sets[i] = set

			mu.Lock()
			report.Rejected += rejected
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accepted, duplicates := confirmDuplicates(sets)
	report.Duplicates = duplicates
	for _, code := range duplicates {
		slog.Warn("skipping coupon present in several files", slog.String("code", code))
	}

	for start := 0; start < len(accepted); start += opts.batchSize {
		end := min(start+opts.batchSize, len(accepted))
		if err := sink.UpsertCoupons(ctx, accepted[start:end]); err != nil {
			return nil, errors.Wrap(err, "write coupons")
		}
		report.Imported = end
		slog.Info("coupon write progress", slog.Int("written", end), slog.Int("total", len(accepted)))
	}
	return report, nil
}

// confirmDuplicates merges the per-file sets. Candidates seen in a single
// file were bloom false positives and are accepted.
func confirmDuplicates(sets []couponSet) (accepted []coupon.Coupon, duplicates []string) {
	seen := map[string]uint{}
	first := map[string]coupon.Coupon{}
	var order []string
	for i, s := range sets {
		accepted = append(accepted, s.unique...)
		for code, c := range s.candidates {
			if _, ok := seen[code]; !ok {
				first[code] = c
				order = append(order, code)
			}
			seen[code] |= 1 << uint(i)
		}
	}

	for _, code := range order {
		if bits.OnesCount(seen[code]) >= 2 {
			duplicates = append(duplicates, code)
			continue
		}
		accepted = append(accepted, first[code])
	}
	return accepted, duplicates
}
