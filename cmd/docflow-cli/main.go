// Docflow CLI — управление документами и batch через HTTP API.
//
// Использование:
//
//	docflow [--api-url URL] [-o table|json] <command> <subcommand> [flags]
//
// Команды:
//
//	doc    Управление документами
//	batch  Управление batch
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/Docflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
