// Command catalog-import seeds the object tier with a catalog dump so the
// agent can start without network access.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/app"
	"github.com/xenking/pricecompare/internal/catalogsync"
	"github.com/xenking/pricecompare/internal/domain/catalog"
	"github.com/xenking/pricecompare/internal/storage/postgres"
)

type options struct {
	file        string
	dataDir     string
	databaseURL string
	catalog     catalogsync.Config
}

func main() {
	var opts options
	flag.StringVar(&opts.file, "file", "productos.json", "catalog dump (.json or .json.gz, - for stdin)")
	flag.StringVar(&opts.dataDir, "data-dir", "data", "agent data directory")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env); also fills catalog_products")
	flag.DurationVar(&opts.catalog.TTL, "ttl", 24*time.Hour, "lifetime of the cached catalog")
	flag.DurationVar(&opts.catalog.BackupTTL, "backup-ttl", 168*time.Hour, "lifetime of the catalog backup")
	flag.DurationVar(&opts.catalog.FreshnessWindow, "freshness-window", 12*time.Hour, "age after which the agent refreshes the catalog")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("catalog import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("catalog import completed successfully")
}

func run(ctx context.Context, opts options) error {
	products, err := readCatalog(opts.file)
	if err != nil {
		return err
	}
	slog.Info("catalog decoded", slog.Int("products", len(products)))

	mgr, err := app.OpenCache(ctx, zap.NewNop(), noop.NewMeterProvider(), &app.Config{
		DataDir:     opts.dataDir,
		DatabaseURL: opts.databaseURL,
	})
	if err != nil {
		return errors.Wrap(err, "open cache")
	}
	defer func() {
		if err := mgr.Dispose(); err != nil {
			slog.Warn("close cache", slog.String("error", err.Error()))
		}
	}()

	n, err := catalogsync.Import(ctx, mgr, opts.catalog, products)
	if err != nil {
		return errors.Wrap(err, "import catalog")
	}
	slog.Info("catalog stored", slog.Int("products", n))

	if opts.databaseURL == "" {
		return nil
	}
	return mirror(ctx, opts.databaseURL, products)
}

// readCatalog decodes a plain or gzip-compressed dump.
func readCatalog(path string) ([]catalog.Product, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		slog.Info("reading catalog file", slog.String("path", path))
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open catalog file")
		}
		defer func() { _ = f.Close() }()
		r = f

		if strings.HasSuffix(path, ".gz") {
			gz, err := pgzip.NewReader(f)
			if err != nil {
				return nil, errors.Wrap(err, "open gzip reader")
			}
			defer func() { _ = gz.Close() }()
			r = gz
		}
	}

	products, err := catalog.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return products, nil
}

func mirror(ctx context.Context, databaseURL string, products []catalog.Product) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	m := postgres.NewProductMirror(pool)
	n, err := m.Replace(ctx, catalog.New(products).Products())
	if err != nil {
		return errors.Wrap(err, "mirror products")
	}
	slog.Info("catalog mirrored", slog.Int64("rows", n))

	lines, err := m.Lines(ctx)
	if err != nil {
		return errors.Wrap(err, "summarize lines")
	}
	for _, l := range lines {
		slog.Info("line",
			slog.String("line", l.Line),
			slog.Int64("products", l.Products),
			slog.String("average_price", l.AveragePrice.StringFixed(2)),
		)
	}
	return nil
}
