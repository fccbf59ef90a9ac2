package main

import (
	"log"

	"github.com/austindbirch/basketsync/cmd/basketctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
