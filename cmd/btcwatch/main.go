package main

import (
	_ "time/tzdata"

	"btcwatch/internal/cli"
)

func main() {
	cli.Execute()
}
