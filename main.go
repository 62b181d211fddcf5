package main

import (
	"os"

	"github.com/apivet/apivet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
