// Package engine содержит чистую логику вычисления шагов цепочки.
//
// Включает:
//   - env.go      — окружение шага (trigger, context, результаты шагов, сущности)
//   - mapping.go  — разбор и разрешение ссылок input mappings
//   - template.go — рендеринг Go templates и условий ({{ .Trigger.x }})
//   - validate.go — валидация определений цепочек
//
// Пакет не обращается к хранилищу: все функции зависят только от аргументов.
package engine
