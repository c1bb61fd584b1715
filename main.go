package main

import "github.com/nextlevelbuilder/goherd/cmd"

func main() {
	cmd.Execute()
}
