package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/repository"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000
)

// row is a parsed coupon definition with its origin for error reporting.
type row struct {
	file  string
	line  int
	draft coupon.Draft
}

// creator is the subset of coupon.Admin used by the importer.
type creator interface {
	Create(ctx context.Context, d coupon.Draft) (*coupon.Coupon, error)
}

// stats counts import outcomes.
type stats struct {
	read       atomic.Int64
	duplicates atomic.Int64
	invalid    atomic.Int64
	exists     atomic.Int64
	created    atomic.Int64
}

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		workers     int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing gzip CSV coupon files")
	flag.StringVar(&pattern, "pattern", "*.csv.gz", "glob for coupon files inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 4, "concurrent coupon writers")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	files, err := filepath.Glob(filepath.Join(dataDir, pattern))
	if err != nil {
		lg.Fatal("Invalid pattern", zap.Error(err))
	}
	if len(files) == 0 {
		lg.Fatal("No coupon files found", zap.String("dir", dataDir), zap.String("pattern", pattern))
	}

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		lg.Fatal("Connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		lg.Fatal("Run migrations", zap.Error(err))
	}

	admin := coupon.NewAdmin(
		repository.NewCouponRepository(pool),
		repository.NewProductRepository(pool),
		nil,
	)

	st, err := importFiles(ctx, admin, files, workers)
	fields := []zap.Field{
		zap.Int64("read", st.read.Load()),
		zap.Int64("created", st.created.Load()),
		zap.Int64("exists", st.exists.Load()),
		zap.Int64("duplicates", st.duplicates.Load()),
		zap.Int64("invalid", st.invalid.Load()),
	}
	if err != nil {
		lg.Fatal("Coupon import failed", append(fields, zap.Error(err))...)
	}
	lg.Info("Coupon import completed", fields...)
}

// importFiles reads every file concurrently, drops codes already seen in
// this run and creates the rest with a pool of writers.
func importFiles(ctx context.Context, c creator, files []string, workers int) (*stats, error) {
	st := &stats{}
	rows := make(chan row, 256)
	unique := make(chan row, 256)

	g, gctx := errgroup.WithContext(ctx)
	readers, rctx := errgroup.WithContext(gctx)
	for _, f := range files {
		readers.Go(func() error {
			return readFile(rctx, f, rows, st)
		})
	}

	g.Go(func() error {
		err := readers.Wait()
		close(rows)
		return err
	})
	g.Go(func() error {
		defer close(unique)
		return dedupe(gctx, rows, unique, st)
	})
	for range max(workers, 1) {
		g.Go(func() error {
			return write(gctx, c, unique, st)
		})
	}

	return st, g.Wait()
}

// readFile streams one gzip CSV file into out.
func readFile(ctx context.Context, path string, out chan<- row, st *stats) error {
	lg := zctx.From(ctx).With(zap.String("file", filepath.Base(path)))

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return readCSV(ctx, lg, path, gz, out, st)
}

func readCSV(ctx context.Context, lg *zap.Logger, name string, src io.Reader, out chan<- row, st *stats) error {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	first, err := r.Read()
	if err != nil {
		return errors.Wrapf(err, "read header of %s", name)
	}
	h, err := parseHeader(first)
	if err != nil {
		return errors.Wrapf(err, "header of %s", name)
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		line, _ := r.FieldPos(0)
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		st.read.Add(1)

		d, err := parseDraft(h, rec)
		if err != nil {
			st.invalid.Add(1)
			lg.Warn("Skipping invalid row", zap.Int("line", line), zap.Error(err))
			continue
		}

		select {
		case out <- row{file: name, line: line, draft: d}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dedupe passes the first occurrence of each code. The bloom filter answers
// most lookups; the set confirms its positives.
func dedupe(ctx context.Context, in <-chan row, out chan<- row, st *stats) error {
	lg := zctx.From(ctx)
	filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
	seen := make(map[string]struct{})

	for r := range in {
		code := r.draft.Code
		if filter.TestString(code) {
			if _, dup := seen[code]; dup {
				st.duplicates.Add(1)
				lg.Debug("Duplicate code", zap.String("code", code), zap.String("file", r.file), zap.Int("line", r.line))
				continue
			}
		}
		filter.AddString(code)
		seen[code] = struct{}{}

		select {
		case out <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func write(ctx context.Context, c creator, in <-chan row, st *stats) error {
	lg := zctx.From(ctx)

	for r := range in {
		_, err := c.Create(ctx, r.draft)

		var (
			verr    *coupon.ValidationError
			unknown *coupon.UnknownProductsError
		)
		switch {
		case err == nil:
			if n := st.created.Add(1); n%progressEvery == 0 {
				lg.Info("Import progress", zap.Int64("created", n))
			}
		case errors.Is(err, coupon.ErrCodeExists):
			st.exists.Add(1)
		case errors.As(err, &verr), errors.As(err, &unknown):
			st.invalid.Add(1)
			lg.Warn("Rejected coupon",
				zap.String("code", r.draft.Code),
				zap.String("file", r.file),
				zap.Int("line", r.line),
				zap.Error(err),
			)
		default:
			return errors.Wrapf(err, "create coupon %s", r.draft.Code)
		}
	}
	return nil
}
