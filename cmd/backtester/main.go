package main

import (
	"os"

	"backtester/internal/btctl"
)

func main() {
	os.Exit(btctl.Run(os.Args[1:]))
}
