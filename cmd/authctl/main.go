package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/dmitrijs2005/estateauth/internal/cli"
	"github.com/dmitrijs2005/estateauth/internal/server"
	"github.com/dmitrijs2005/estateauth/internal/server/config"
	"github.com/dmitrijs2005/estateauth/internal/server/events"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/repomanager"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	db, err := repomanager.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer db.Close()

	rm := repomanager.NewPostgresRepositoryManager()
	svc, err := server.NewServices(cfg, db, rm, events.Nop{}, server.NewLogger(cfg))
	if err != nil {
		log.Fatalf("%v", err)
	}

	migrate := func(ctx context.Context) error { return rm.RunMigrations(ctx, db) }
	app := cli.NewApp(svc.Users, svc.Sessions, migrate, os.Stdin, os.Stdout)

	if err := app.Run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, cli.ErrUsage) {
			log.Printf("%v", err)
		}
		db.Close()
		os.Exit(1)
	}

}
