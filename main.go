package main

import (
	"github.com/vkcom/chproxy/core/cmd"
)

func main() {
	cmd.Main()
}
