package main

import "github.com/tanq16/gleaner/cmd"

func main() {
	cmd.Execute()
}
