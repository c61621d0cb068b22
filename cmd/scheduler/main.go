package main

import "github.com/scribeq/scribeq/services/scheduler/cli"

func main() {
	cli.Execute()
}
