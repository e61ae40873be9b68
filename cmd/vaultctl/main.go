package main

import "github.com/tronvault/tronvault/internal/cli"

func main() {
	cli.Execute()
}
