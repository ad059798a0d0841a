package worker

import "time"

// Backoff возвращает задержку перед повтором номер retry (с 1):
// base * 2^(retry-1), но не больше limit.
func Backoff(retry int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if limit <= 0 {
		limit = 5 * time.Minute
	}

	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}
