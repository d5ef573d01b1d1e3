package main

import "github.com/kebairia/mongokeeper/cmd"

func main() {
	cmd.Execute()
}
