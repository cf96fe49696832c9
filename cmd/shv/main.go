package main

import "github.com/jtsylve/SimpleVisor/cmd/shv/cmd"

func main() {
	cmd.Execute()
}
