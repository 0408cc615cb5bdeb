package main

import "github.com/311labs/taskqueue/services/sweeper/cli"

func main() {
	cli.Execute()
}
