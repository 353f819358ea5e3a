package main

import "github.com/DragonSecurity/ferry/cmd"

func main() {
	cmd.Execute()
}
