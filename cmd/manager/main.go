package main

import "github.com/311labs/taskqueue/services/manager/cli"

func main() {
	cli.Execute()
}
