package main

import (
	"log"
	"os"

	"ludilearn/auth-identity/internal/config"
	"ludilearn/auth-identity/internal/db/migrate"
)

func main() {
	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg := config.Load()
	if err := migrate.Run(cfg.DatabaseURL, direction); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Printf("migrations %s applied", direction)
}
