package domain

import "time"

// Clock — источник времени. Время усекается до микросекунд: с такой
// точностью его хранят Postgres и SQLite, и условные записи сравнивают
// ровно то, что было прочитано.
type Clock func() time.Time

// SystemClock — текущее время в UTC.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
