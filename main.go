package main

import "github.com/endorses/flowscope/cmd"

func main() {
	cmd.Execute()
}
