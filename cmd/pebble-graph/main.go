package main

import "github.com/marshallshelly/pebble-graph/cmd/pebble-graph/commands"

func main() {
	commands.Execute()
}
