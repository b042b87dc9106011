package main

import (
	"go-civitai-manager/cmd/civitai-manager/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
