package main

import (
	"os"
	"runtime"

	"github.com/andewx/vkasync/cmd/vkasync/commands"
)

func init() {
	// The GLFW loader must be initialized from the main thread.
	runtime.LockOSThread()
}

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
