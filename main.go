package main

import "corpusflow/cmd"

func main() {
	cmd.Execute()
}
