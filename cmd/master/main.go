package main

import "github.com/ramiqadoumi/taskflow-master/services/master/cli"

func main() {
	cli.Execute()
}
