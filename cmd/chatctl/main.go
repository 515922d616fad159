package main

import "clinicchat/cmd/chatctl/cmd"

func main() {
	cmd.Execute()
}
