package main

import "github.com/ramiqadoumi/imageflow/services/api/cli"

func main() {
	cli.Execute()
}
