package history

// Budget is the remaining length allowed for reconstructed context. It
// never goes negative.
type Budget struct {
	remaining int
}

// NewBudget returns a budget of n, clamped at zero.
func NewBudget(n int) *Budget {
	return &Budget{remaining: max(n, 0)}
}

// Remaining returns what is left.
func (b *Budget) Remaining() int {
	return b.remaining
}

// Spend deducts n if it fits and reports whether it did.
func (b *Budget) Spend(n int) bool {
	if n < 0 || n > b.remaining {
		return false
	}
	b.remaining -= n
	return true
}
