package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spherical-ai/pagevision/cmd/pagevision/commands"
	"github.com/spherical-ai/pagevision/internal/domain"
)

func main() {
	if err := commands.Execute(); err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
