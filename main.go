package main

import "oracle-index/internal/cli"

func main() {
	cli.Execute()
}
