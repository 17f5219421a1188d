package main

import "github.com/locomote-sh/server/cmd"

func main() {
	cmd.Execute()
}
