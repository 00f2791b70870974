package main

import "reactive-guard/internal/cli"

func main() {
	cli.Execute()
}
