package main

import "github.com/jmcleod/drawboard/cmd/drawboard/cmd"

func main() {
	cmd.Execute()
}
