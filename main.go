package main

import (
	"github.com/blockfs/blockfs/cmd"
)

func main() {
	cmd.Execute()
}
