package main

import "github.com/kidguard/kidguard/cmd"

func main() {
	cmd.Execute()
}
