// eventchain CLI — управление определениями, executions и событиями через HTTP API.
//
// Использование:
//
//	eventchain [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	definition  Определения цепочек
//	execution   Executions и их шаги
//	event       Отправка доменных событий
//	stats       Очереди и статусы
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/eventchain/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
