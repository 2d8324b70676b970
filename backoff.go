package uws

import (
	"math"
	"time"
)

type backoffCalculator func(attempts int) time.Duration

func ExponentialBackoff(attempts int) float64 {
	return (math.Pow(2.0, float64(attempts)) - 1) / 2
}

func ExponentialBackoffSeconds(attempts int) time.Duration {
	return time.Duration(ExponentialBackoff(attempts) * float64(time.Second))
}
