package main

import "suiterunner/cmd/cli"

func main() {
	cli.Execute()
}
