package main

import (
	"fmt"
	"os"

	"github.com/backfila/backfila/service"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := service.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
