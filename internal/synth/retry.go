package synth

// outcome is the result of a bounded retry loop: either an accepted value or
// an exhausted budget.
type outcome[T any] struct {
	Value     T
	Tries     int
	Exhausted bool
}

// bounded calls try up to limit times until it accepts a value. A non-nil
// error from try aborts the loop immediately.
func bounded[T any](limit int, try func(n int) (T, bool, error)) (outcome[T], error) {
	var last T
	for n := 0; n < limit; n++ {
		value, ok, err := try(n)
		if err != nil {
			return outcome[T]{Value: value, Tries: n + 1}, err
		}
		if ok {
			return outcome[T]{Value: value, Tries: n + 1}, nil
		}
		last = value
	}
	return outcome[T]{Value: last, Tries: limit, Exhausted: true}, nil
}
