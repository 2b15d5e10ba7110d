package main

import "github.com/billfrog/billfrog/cmd"

func main() {
	cmd.Execute()
}
