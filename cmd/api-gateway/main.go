package main

import "github.com/scribeq/scribeq/services/api-gateway/cli"

func main() {
	cli.Execute()
}
