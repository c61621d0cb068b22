package main

import "github.com/scribeq/scribeq/services/dispatcher/cli"

func main() {
	cli.Execute()
}
