package main

import (
	"github.com/sailor-labs/sailor/cmd"
)

func main() {
	cmd.Execute()
}
