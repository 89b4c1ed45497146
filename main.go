package main

import (
	"os"

	"github.com/mxpipe/resolvex/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
