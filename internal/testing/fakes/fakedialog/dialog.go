// Package fakedialog provides a scripted ports.DialogProvider for tests.
package fakedialog

import "sync"

// Dialog answers prompts from preset values and records what was asked.
type Dialog struct {
	mu sync.Mutex

	ConfirmAnswer bool
	ConfirmErr    error
	SecretAnswer  []byte
	SecretErr     error

	confirms []string
	secrets  []string
}

// New returns a Dialog that declines every confirmation and returns no secret.
func New() *Dialog {
	return &Dialog{}
}

// Confirm records title and returns ConfirmAnswer.
func (d *Dialog) Confirm(title, description string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirms = append(d.confirms, title)
	return d.ConfirmAnswer, d.ConfirmErr
}

// Secret records title and returns a copy of SecretAnswer.
func (d *Dialog) Secret(title string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets = append(d.secrets, title)
	if d.SecretErr != nil {
		return nil, d.SecretErr
	}
	if d.SecretAnswer == nil {
		return nil, nil
	}
	return append([]byte(nil), d.SecretAnswer...), nil
}

// Confirms returns the titles of every Confirm call.
func (d *Dialog) Confirms() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.confirms...)
}

// Secrets returns the titles of every Secret call.
func (d *Dialog) Secrets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.secrets...)
}
