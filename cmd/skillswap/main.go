package main

import (
	"log"

	"github.com/G-K-404/SkillSwap/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
