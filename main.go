package main

import "github.com/clinivoice/capture-agent/cmd"

func main() {
	cmd.Execute()
}
