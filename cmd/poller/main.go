package main

import "github.com/scribeq/scribeq/services/poller/cli"

func main() {
	cli.Execute()
}
