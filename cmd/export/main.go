// Command export dumps labeled transaction features as CSV for model retraining.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/export            # CSV to stdout
//	DATABASE_URL=postgres://... go run ./cmd/export -o out.csv # CSV to file
//
// Only resolved records carrying a final label are exported; pending holds
// are skipped.
package main

import (
	"context"
	"database/sql"
	"flag"
	"io"
	"os"

	_ "github.com/lib/pq"

	"github.com/piggypay/piggypay/internal/export"
	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/logging"
)

func main() {
	output := flag.String("o", "", "output file (default stdout)")
	flag.Parse()

	logger := logging.New("info", "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			logger.Error("failed to create output file", "path", *output, "error", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	svc := export.NewService(ledger.NewPostgresStore(db), logger)
	rows, err := svc.WriteCSV(ctx, w)
	if err != nil {
		logger.Error("export failed", "error", err)
		os.Exit(1)
	}
	logger.Info("export complete", "rows", rows, "output", *output)
}
