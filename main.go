package main

import (
	"github.com/luma/docsync/cmd"
)

func main() {
	cmd.Execute()
}
