package main

import "github.com/ramiqadoumi/stageflow/services/orchestrator/cli"

func main() {
	cli.Execute()
}
