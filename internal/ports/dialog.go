package ports

// DialogProvider abstracts interactive operator prompts.
// Implementations may use TUI forms or test fakes.
type DialogProvider interface {
	// Confirm asks a yes/no question. It returns false when the operator
	// declines or aborts.
	Confirm(title, description string) (bool, error)

	// Secret reads a value without echoing it. The caller owns the returned
	// slice and should wipe it after use.
	Secret(title string) ([]byte, error)
}
