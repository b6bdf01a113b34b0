package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"openshelf.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn = flag.String("dsn", os.Getenv("OPENSHELF_PG_DSN"), "PostgreSQL DSN")
		dir = flag.String("dir", "ops/migrations", "Directory holding sql/ and seeds/")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or OPENSHELF_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	runner := migrate.New(db, os.DirFS(*dir))

	switch flag.Arg(0) {
	case "up":
		var n int
		n, err = runner.Apply(ctx)
		if err == nil {
			log.Printf("applied %d migrations", n)
		}
	case "down":
		var name string
		name, err = runner.Rollback(ctx)
		if err == nil {
			log.Printf("rolled back %s", name)
		}
	case "seed":
		var n int
		n, err = runner.Seed(ctx)
		if err == nil {
			log.Printf("applied %d seeds", n)
		}
	case "status":
		var records []migrate.Record
		records, err = runner.Applied(ctx)
		if err == nil {
			for _, rec := range records {
				fmt.Printf("%s\t%s\t%s\n", rec.AppliedAt.Format(time.RFC3339), rec.Kind, rec.Name)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
