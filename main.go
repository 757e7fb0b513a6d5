/*
Copyright © 2025 renatuscartesius <cartesius.absolute@gmail.com>
*/
package main

import (
	"os"

	"boxforge/cmd"
	"boxforge/internal/logging"
)

func main() {
	if err := logging.InitLogger(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	err := cmd.Execute()

	// Sync errors on stdout are expected on Linux; Sync logs them itself
	_ = logging.Sync()

	if err != nil {
		os.Exit(1)
	}
}
