package main

import "github.com/meshmeet/meshmeet/cmd/meshmeet-agent/cmd"

func main() {
	cmd.Execute()
}
