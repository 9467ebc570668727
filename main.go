package main

import "github.com/rgov/foxglove-studio/cmd"

func main() {
	cmd.Execute()
}
