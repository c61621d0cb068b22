package main

import "github.com/scribeq/scribeq/services/worker/cli"

func main() {
	cli.Execute()
}
