package repo

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrStaleState — условная запись не применилась: строку уже изменил другой участник.
	ErrStaleState = errors.New("stale state")

	// ErrClaimLost — job больше не принадлежит этому захвату
	// (его вернул в очередь sweep или захватил другой worker).
	ErrClaimLost = errors.New("job claim lost")
)
