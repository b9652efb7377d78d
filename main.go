// The main package for the bylaw-crawler executable.
package main

import (
	"os"

	"github.com/noah-vh/bylaw-mgmt-sub000/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
