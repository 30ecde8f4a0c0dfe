package main

import "github.com/truffle-ai/saiki/cmd"

func main() {
	cmd.Execute()
}
