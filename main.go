package main

import "github.com/infvision/photosort/cmd"

func main() {
	cmd.Execute()
}
