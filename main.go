package main

import (
	"github.com/posix4e/bar123-sub002/cmd"
	"github.com/posix4e/bar123-sub002/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
