// Package cli реализует инструмент командной строки eventchain.
//
// # Обзор
//
// CLI — клиентская утилита для eventchain API. Работает через HTTP и не
// импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор конвертов
// ({data}, {data,total}, {error}) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	execs, err := client.ListExecutions(cli.ListExecutionsOpts{Status: "FAILED"})
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию, JSON с
// флагом --json. Данные идут в stdout, сообщения — в stderr:
// eventchain execution list --json | jq .
//
// ## Commands
//
//   - definition: list, show, apply -f, enable, disable, instantiate
//   - execution: list, show, steps, entities, cancel
//   - event: submit
//   - stats: jobs, executions
//
// Группы создаются фабриками (NewDefinitionCmd и т.д.), принимающими
// clientFn и outputFn: Client и Output создаются лениво, после разбора
// PersistentFlags.
package cli
