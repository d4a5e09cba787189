package main

import "github.com/forPelevin/unmark/internal/cli"

func main() {
	cli.Main()
}
