package main

import "github.com/bryanchriswhite/camstreamer/cmd/camstreamer/commands"

func main() {
	commands.Execute()
}
