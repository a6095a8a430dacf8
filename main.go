package main

import "github.com/dlforge/dlforge/cmd"

func main() {
	cmd.Execute()
}
