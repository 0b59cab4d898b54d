// Command voucher-import loads voucher definitions from gzip-compressed JSON
// lines files into the database.
//
// Each line is one voucher:
//
//	{"code":"SAVE10","kind":"PERCENTAGE","value":"10","min_order_amount":"0",
//	 "usage_limit":100,"valid_from":"2026-01-01T00:00:00Z",
//	 "valid_until":"2026-12-31T23:59:59Z","description":"10% off"}
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/checkout-engine/internal/domain/discount"
	"github.com/xenking/checkout-engine/internal/storage/postgres"
)

const (
	progressEvery = 10_000
	indexFPR      = 0.001
	maxLineBytes  = 64 << 10
)

func main() {
	var (
		databaseURL  string
		skipExisting bool
		dryRun       bool
	)

	_ = godotenv.Load()

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&skipExisting, "skip-existing", false, "leave vouchers that already exist untouched")
	flag.BoolVar(&dryRun, "dry-run", false, "validate files without writing")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		slog.Error("usage: voucher-import [flags] vouchers1.jsonl.gz [vouchers2.jsonl.gz ...]")
		os.Exit(2)
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, files, databaseURL, skipExisting, dryRun); err != nil {
		slog.Error("voucher import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("voucher import completed successfully")
}

func run(ctx context.Context, files []string, databaseURL string, skipExisting, dryRun bool) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	slog.Info("reading voucher files", slog.Int("files", len(files)))

	parsed, err := readFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "read files")
	}
	vouchers, dups := merge(parsed)
	slog.Info("vouchers parsed", slog.Int("count", len(vouchers)), slog.Int("duplicates", dups))

	if dryRun || len(vouchers) == 0 {
		return nil
	}

	slog.Info("running migrations")
	if err := postgres.Migrate(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewVoucherRepository(pool)
	if skipExisting {
		vouchers, err = withoutExisting(ctx, repo, vouchers)
		if err != nil {
			return errors.Wrap(err, "filter existing vouchers")
		}
	}

	return writeVouchers(ctx, repo, vouchers)
}

// readFiles parses every file concurrently. Results keep the order of files.
func readFiles(ctx context.Context, files []string) ([][]discount.Voucher, error) {
	out := make([][]discount.Voucher, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			var vs []discount.Voucher
			err := streamGzFile(ctx, path, func(line int, data []byte) error {
				v, err := parseVoucher(data)
				if err != nil {
					return errors.Wrapf(err, "%s:%d", path, line)
				}
				vs = append(vs, v)
				if len(vs)%progressEvery == 0 {
					slog.Info("read progress", slog.String("file", path), slog.Int("vouchers", len(vs)))
				}
				return nil
			})
			if err != nil {
				return err
			}
			out[i] = vs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// merge flattens per-file results. When a code repeats, the definition read
// last wins and the earlier one is counted as a duplicate.
func merge(parsed [][]discount.Voucher) ([]discount.Voucher, int) {
	var (
		out  []discount.Voucher
		pos  = make(map[string]int)
		dups int
	)
	for _, vs := range parsed {
		for _, v := range vs {
			v.Code = discount.NormalizeCode(v.Code)
			if i, ok := pos[v.Code]; ok {
				out[i] = v
				dups++
				continue
			}
			pos[v.Code] = len(out)
			out = append(out, v)
		}
	}
	return out, dups
}

type voucherStore interface {
	ListCodes(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, v discount.Voucher) error
}

// withoutExisting drops vouchers whose code is already stored. The code
// index answers most lookups; its positives are confirmed against the full
// code list.
func withoutExisting(ctx context.Context, repo voucherStore, vouchers []discount.Voucher) ([]discount.Voucher, error) {
	codes, err := repo.ListCodes(ctx)
	if err != nil {
		return nil, err
	}
	idx := discount.NewCodeIndex(uint(len(codes)), indexFPR)
	idx.Add(codes...)

	var existing map[string]struct{}
	out := vouchers[:0]
	for _, v := range vouchers {
		if idx.MayContain(v.Code) {
			if existing == nil {
				existing = make(map[string]struct{}, len(codes))
				for _, c := range codes {
					existing[discount.NormalizeCode(c)] = struct{}{}
				}
			}
			if _, ok := existing[v.Code]; ok {
				continue
			}
		}
		out = append(out, v)
	}
	slog.Info("skipping existing vouchers", slog.Int("skipped", len(vouchers)-len(out)))
	return out, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each non-empty line.
func streamGzFile(ctx context.Context, path string, fn func(line int, data []byte) error) error {
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

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(line, scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

func writeVouchers(ctx context.Context, repo voucherStore, vouchers []discount.Voucher) error {
	slog.Info("writing vouchers to database", slog.Int("count", len(vouchers)))

	for i, v := range vouchers {
		if err := repo.Upsert(ctx, v); err != nil {
			return errors.Wrapf(err, "upsert voucher %s", v.Code)
		}
		if (i+1)%progressEvery == 0 || i+1 == len(vouchers) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(vouchers)))
		}
	}
	return nil
}
