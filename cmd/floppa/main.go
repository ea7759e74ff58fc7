// Command floppa runs the command registry bot.
//
//	floppa [--run-dir DIR] [run]      start the bot
//	floppa backup                     write a registry backup
//	floppa backup list                list stored backups
//	floppa backup verify KEY          check a backup's digest and contents
//	floppa init                       write a default config.yaml
//	floppa version                    print the build version
package main

import (
	"fmt"
	"os"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = ""
	commit  = ""
)

var exitFunc = os.Exit

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "floppa:", err)
		exitFunc(1)
	}
}
