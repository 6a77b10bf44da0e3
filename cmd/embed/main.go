// Command embed is a debugging tool for the embedding and matching
// pipeline: embed text, compare two texts, or search a project's vector
// index directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/vectorstore"
)

var (
	command   = flag.String("command", "embed", "Command to execute (embed, similarity, search)")
	text      = flag.String("text", "", "Text to embed")
	other     = flag.String("other", "", "Second text (used with -command similarity)")
	query     = flag.String("query", "", "Query for searching a project's index")
	projectID = flag.String("project", "", "Project to search")
	dsn       = flag.String("dsn", os.Getenv("CONTEX_DATABASE_DSN"), "Database connection string (used with -command search)")
	limit     = flag.Int("limit", 10, "Limit for search results")
	threshold = flag.Float64("threshold", 0.5, "Similarity threshold for search results")
	timeout   = flag.Duration("timeout", 30*time.Second, "Operation timeout")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider := embedding.NewLocalProvider()

	var err error
	switch *command {
	case "embed":
		err = runEmbed(ctx, provider)
	case "similarity":
		err = runSimilarity(ctx, provider)
	case "search":
		err = runSearch(ctx, provider)
	default:
		err = fmt.Errorf("unknown command: %s", *command)
	}
	if err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runEmbed(ctx context.Context, provider embedding.Provider) error {
	if *text == "" {
		return fmt.Errorf("-text is required for embed")
	}
	vec, err := provider.Embed(ctx, *text)
	if err != nil {
		return err
	}
	fmt.Printf("tokens:     %v\n", embedding.Tokenize(*text))
	fmt.Printf("dimensions: %d\n", len(vec))
	out, _ := json.Marshal(vec[:8])
	fmt.Printf("prefix:     %s...\n", out)
	return nil
}

func runSimilarity(ctx context.Context, provider embedding.Provider) error {
	if *text == "" || *other == "" {
		return fmt.Errorf("-text and -other are required for similarity")
	}
	a, err := provider.Embed(ctx, *text)
	if err != nil {
		return err
	}
	b, err := provider.Embed(ctx, *other)
	if err != nil {
		return err
	}
	fmt.Printf("similarity: %.4f\n", embedding.CosineSimilarity(a, b))
	return nil
}

func runSearch(ctx context.Context, provider embedding.Provider) error {
	if *query == "" || *projectID == "" {
		return fmt.Errorf("-query and -project are required for search")
	}
	if *dsn == "" {
		return fmt.Errorf("-dsn or CONTEX_DATABASE_DSN is required for search")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", *dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	store, err := vectorstore.NewPostgresStore(ctx, db, nil, nil)
	if err != nil {
		return err
	}

	vec, err := provider.Embed(ctx, *query)
	if err != nil {
		return err
	}
	results, err := store.Search(ctx, *projectID, vec, *limit)
	if err != nil {
		return err
	}

	printed := 0
	for _, r := range results {
		if r.Similarity < *threshold {
			continue
		}
		printed++
		fmt.Printf("%d. %s (similarity %.4f)\n", printed, r.NodeKey, r.Similarity)
		fmt.Printf("   data_key:    %s\n", r.DataKey)
		fmt.Printf("   description: %s\n", preview(r.Description, 100))
		fmt.Println()
	}
	fmt.Printf("Found %d results above threshold %.2f\n", printed, *threshold)
	return nil
}

func preview(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
