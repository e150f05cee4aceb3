package main

import (
	"fmt"
	"os"

	"github.com/go-go-golems/llamachat/cmd/llamachat/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
