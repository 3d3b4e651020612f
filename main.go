package main

import "github.com/nextlevelbuilder/bamboo/cmd"

func main() {
	cmd.Execute()
}
