package main

import (
	"context"
	"log"

	"shiftbot/internal/config"
	"shiftbot/internal/db"
	"shiftbot/internal/db/sqlite"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.Driver == "sqlite" {
		// Opening a sqlite store applies its schema
		store, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			log.Fatalf("Error migrating sqlite store: %v", err)
		}
		if err := store.Close(); err != nil {
			log.Printf("Error closing sqlite store: %v", err)
		}
		log.Println("Migration completed successfully")
		return
	}

	database, err := db.New(cfg.Database)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(context.Background()); err != nil {
		log.Fatalf("Error executing migration: %v", err)
	}

	log.Println("Migration completed successfully")
}
