// Package fixtures builds plans, customers and subscriptions for tests.
package fixtures

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
