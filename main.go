package main

import "github.com/octoporty/octoporty/cli"

func main() {
	cli.Execute()
}
