package specification

// Specification is a predicate over candidates of type T.
type Specification[T any] interface {
	// IsSatisfiedBy checks if the specification is satisfied by the given candidate
	IsSatisfiedBy(candidate T) bool
}

// Func adapts a plain function to a Specification.
type Func[T any] func(candidate T) bool

// IsSatisfiedBy calls f.
func (f Func[T]) IsSatisfiedBy(candidate T) bool {
	return f(candidate)
}

// And is satisfied when every spec is. With no specs it is always satisfied.
func And[T any](specs ...Specification[T]) Specification[T] {
	return Func[T](func(candidate T) bool {
		for _, s := range specs {
			if !s.IsSatisfiedBy(candidate) {
				return false
			}
		}
		return true
	})
}

// Or is satisfied when any spec is.
func Or[T any](specs ...Specification[T]) Specification[T] {
	return Func[T](func(candidate T) bool {
		for _, s := range specs {
			if s.IsSatisfiedBy(candidate) {
				return true
			}
		}
		return false
	})
}

// Not negates a specification.
func Not[T any](spec Specification[T]) Specification[T] {
	return Func[T](func(candidate T) bool {
		return !spec.IsSatisfiedBy(candidate)
	})
}

// Filter returns the candidates satisfying spec, preserving order.
func Filter[T any](candidates []T, spec Specification[T]) []T {
	out := make([]T, 0, len(candidates))
	for _, c := range candidates {
		if spec.IsSatisfiedBy(c) {
			out = append(out, c)
		}
	}
	return out
}
