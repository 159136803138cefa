package main

import (
	"github.com/sealkit/sealctl/cmd/sealctl/cmd"
)

func main() {
	cmd.Execute()
}
