package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	source := os.Getenv("MIGRATIONS_SOURCE")
	if source == "" {
		source = "file://migrations"
	}

	if err := postgres.Migrate(source, dbURL); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied successfully!")
}
