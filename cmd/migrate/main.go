// Command migrate prepares a PostgreSQL database for the contex engine:
// it verifies the pgvector extension and creates the event log, vector
// store and agent registry schemas. Safe to run repeatedly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/contexhq/contex/pkg/eventlog"
	"github.com/contexhq/contex/pkg/registry"
	"github.com/contexhq/contex/pkg/vectorstore"
)

var (
	dsn     = flag.String("dsn", os.Getenv("CONTEX_DATABASE_DSN"), "Database connection string")
	timeout = flag.Duration("timeout", time.Minute, "Migration timeout")
	check   = flag.Bool("check", false, "Verify connectivity and extensions without creating schema")
)

func main() {
	flag.Parse()

	if *dsn == "" {
		fmt.Println("Error: -dsn or CONTEX_DATABASE_DSN is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if *check {
		var hasVector bool
		err := db.GetContext(ctx, &hasVector,
			"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')")
		if err != nil {
			log.Fatalf("Failed to check extensions: %v", err)
		}
		fmt.Printf("connectivity: ok\npgvector:     %v\n", hasVector)
		if !hasVector {
			os.Exit(1)
		}
		return
	}

	start := time.Now()
	if _, err := eventlog.NewPostgresStore(ctx, db, nil, nil); err != nil {
		log.Fatalf("Failed to create event log schema: %v", err)
	}
	if _, err := vectorstore.NewPostgresStore(ctx, db, nil, nil); err != nil {
		log.Fatalf("Failed to create vector store schema: %v", err)
	}
	if _, err := registry.NewPostgresStore(ctx, db, nil, nil); err != nil {
		log.Fatalf("Failed to create registry schema: %v", err)
	}
	fmt.Printf("Schema ready in %s\n", time.Since(start))
}
