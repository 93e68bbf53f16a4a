package main

import "policy-automation/internal/cli"

func main() {
	cli.Execute()
}
