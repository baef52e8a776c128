package main

import "sealtalk/cmd"

func main() {
	cmd.Execute()
}
