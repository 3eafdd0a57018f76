package main

import "github.com/jmcleod/pvacms/cmd/pvacert/cmd"

func main() {
	cmd.Execute()
}
