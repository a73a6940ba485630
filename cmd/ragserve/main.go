// Package main is the entry point for the ragserve service.
package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/candor-ai/ragserve/internal/ragserve"
)

func main() {
	if err := ragserve.NewApp().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ragserve.Name, err)
		os.Exit(1)
	}
}
