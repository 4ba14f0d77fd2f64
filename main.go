package main

import "github.com/user/guardian/cmd"

func main() {
	cmd.Execute()
}
