package dispatch

import (
	"math/rand/v2"
	"time"
)

// Backoff はattempt回目の試行が失敗した後の待機時間を返す。
// base*2^(attempt-1)をlimitで打ち切った値で、attemptに対して単調非減少になる。
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Jitter はdに[0, d*fraction)の範囲の乱数を加える。
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*fraction*float64(d))
}
