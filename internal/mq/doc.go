// Package mq — транспорт RabbitMQ для eventchain.
//
// RabbitMQ ускоряет передачу работы между процессами, но не хранит
// состояние: всё, что публикуется, уже записано в БД, и без брокера система
// работает в режиме polling.
//
// Структура:
//   - connection.go — соединение с reconnect и подтверждениями публикаций
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Типы сообщений:
//   - event.domain       — входящее доменное событие
//   - execution.pending  — execution создан и ждёт старта
//   - job.ready          — job шага готов к захвату
package mq
