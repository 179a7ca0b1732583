package main

import (
	"log"

	"github.com/austindbirch/harbor_post/cmd/postctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
