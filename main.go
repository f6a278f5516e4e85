package main

import "github.com/ethsync/stagesync/cmd"

func main() {
	cmd.Execute()
}
