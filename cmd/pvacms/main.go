package main

import "github.com/jmcleod/pvacms/cmd/pvacms/cmd"

func main() {
	cmd.Execute()
}
