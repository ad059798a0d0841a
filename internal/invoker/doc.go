// Package invoker описывает вызов внешних действий шагов.
//
// Действие адресуется ключом (module, actionType, version) и вызывается через
// ActionInvoker; откат выполняет Compensator модуля. Registry хранит
// реализации по ключу с fallback на весь модуль.
//
// Реализации:
//   - HTTPInvoker — удалённый модуль по HTTP
//   - builtin     — встроенный модуль (transform, delay)
//
// Классификация ошибок: Permanent(err) — повтор бессмыслен; любая другая
// ошибка, включая истёкший deadline, считается transient.
package invoker
