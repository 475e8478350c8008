// Package realdialog provides a TUI-based DialogProvider using charmbracelet/huh.
package realdialog

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
)

// ErrAborted is returned when the operator cancels a prompt.
var ErrAborted = errors.New("prompt aborted")

// Provider implements ports.DialogProvider on the controlling terminal.
type Provider struct {
	accessible bool
}

// New returns a TUI dialog provider. accessible switches huh to plain line
// prompts, for screen readers and dumb terminals.
func New(accessible bool) *Provider {
	return &Provider{accessible: accessible}
}

// Confirm shows a yes/no prompt defaulting to no.
func (p *Provider) Confirm(title, description string) (bool, error) {
	var ok bool
	field := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if description != "" {
		field.Description(description)
	}
	if err := p.run(huh.NewForm(huh.NewGroup(field))); err != nil {
		return false, err
	}
	return ok, nil
}

// Secret prompts twice for a hidden value and fails when the entries differ.
// An empty first entry is accepted as-is.
func (p *Provider) Secret(title string) ([]byte, error) {
	var first, second string
	err := p.run(huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			Description("Leave empty for none").
			EchoMode(huh.EchoModePassword).
			Value(&first),
	)))
	if err != nil {
		return nil, err
	}
	if first == "" {
		return nil, nil
	}

	err = p.run(huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Repeat " + title).
			EchoMode(huh.EchoModePassword).
			Value(&second),
	)))
	if err != nil {
		return nil, err
	}
	if first != second {
		return nil, fmt.Errorf("entries do not match")
	}
	return []byte(first), nil
}

func (p *Provider) run(form *huh.Form) error {
	err := form.WithAccessible(p.accessible).Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrAborted
	}
	return err
}
