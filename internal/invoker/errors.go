package invoker

import (
	"errors"
	"fmt"
)

// Ошибки вызова действий.
var (
	// ErrUnknownAction — нет реализации для ключа действия.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUnknownCompensator — модуль не умеет откатывать действия.
	ErrUnknownCompensator = errors.New("unknown compensator")

	// ErrHTTPRequest — HTTP-вызов модуля завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrInvalidInput — действие получило некорректный вход.
	ErrInvalidInput = errors.New("invalid action input")
)

// PermanentError — ошибка, которую бесполезно повторять.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent помечает ошибку как постоянную. nil остаётся nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &PermanentError{Err: err}
}

// Permanentf — Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent проверяет, помечена ли ошибка как постоянная.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Класс ошибки вызова.
type Class string

const (
	ClassNone      Class = ""
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Classify возвращает класс ошибки.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}
