package main

import (
	"os"

	"github.com/kindled/chatd/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
