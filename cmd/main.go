package main

import (
	// Embedded zone database so the configured timezone resolves on
	// minimal images.
	_ "time/tzdata"
)

func main() {
	Execute()
}
