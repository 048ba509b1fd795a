package main

import (
	"log"

	"github.com/stream-matchmaker/stream-matchmaker/internal/platform"
)

func main() {
	if err := platform.RunMatchmaker(); err != nil {
		log.Fatalf("matchmaker failed: %v", err)
	}
}
