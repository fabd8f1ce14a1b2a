package main

import "github.com/notifyd/notifyd/cmd"

func main() {
	cmd.Execute()
}
