package main

import "github.com/af-t/disco/cmd"

func main() {
	cmd.Execute()
}
