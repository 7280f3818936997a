package main

import "github.com/lepinkainen/shelfmatch/cmd"

var execute = cmd.Execute

func main() {
	execute()
}
