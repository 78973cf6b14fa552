package main

import (
	"os"

	"github.com/TocharianOU/newrag/cli"
)

func main() {
	os.Exit(cli.Execute())
}
