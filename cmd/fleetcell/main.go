package main

import (
	"log"

	"github.com/fleetcell/cell/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ fleetcell failed to start: %v", err)
	}
}
