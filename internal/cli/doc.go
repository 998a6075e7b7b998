// Package cli реализует инструмент командной строки Docflow.
//
// CLI работает с Docflow API по HTTP и не импортирует внутренние пакеты
// системы: типы ответов продублированы в client.go.
//
//	docflow doc add file:///data/report.txt --kind text
//	docflow batch submit ID1 ID2 --priority high
//	docflow batch status BATCH_ID -o json | jq .
//
// Команды:
//   - doc: add, show, stages, entities, cancel, reset, reprocess
//   - batch: submit, status, cancel
//
// Данные печатаются в stdout (таблица или JSON), сообщения в stderr.
// Каждая группа создаётся фабрикой (NewDocumentCmd, NewBatchCmd),
// которая получает clientFn и outputFn: Client и Output создаются
// после разбора PersistentFlags.
package cli
