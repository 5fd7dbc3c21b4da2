package util

func Pointer[T any](v T) *T {
	return &v
}

// Deref returns the zero value when p is nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
