package main

import "deepresearch/mission/cmd"

func main() {
	cmd.Execute()
}
