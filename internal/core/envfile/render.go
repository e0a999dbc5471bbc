// Package envfile renders the EnvFile a deployment writes next to its
// compose project. This is part of the Functional Core - no I/O.
package envfile

import (
	"fmt"
	"strings"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/compose-spec/compose-go/v2/dotenv"
)

// Render produces one KEY=VALUE line per binding, in the given order.
// Values are written verbatim; Render fails with domain.ErrEnvInvalid when a
// binding cannot be represented as a single line that compose reads back
// unchanged.
func Render(bindings []domain.Binding) (string, error) {
	if err := domain.ValidateBindings(bindings); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEnvInvalid, err)
	}

	var b strings.Builder
	for _, binding := range bindings {
		b.WriteString(binding.Name)
		b.WriteByte('=')
		b.WriteString(binding.Value)
		b.WriteByte('\n')
	}
	text := b.String()

	if err := verifyRoundTrip(text, bindings); err != nil {
		return "", err
	}
	return text, nil
}

// noLookup resolves nothing, so any interpolation in a value shows up as a
// round-trip mismatch instead of silently reading the local environment.
func noLookup(string) (string, bool) { return "", false }

// verifyRoundTrip parses the rendered text with the same dotenv parser
// compose uses and checks that every binding comes back unchanged.
func verifyRoundTrip(text string, bindings []domain.Binding) error {
	parsed, err := dotenv.UnmarshalWithLookup(text, noLookup)
	if err != nil {
		return fmt.Errorf("%w: rendered file does not parse: %w", domain.ErrEnvInvalid, err)
	}
	if len(parsed) != len(bindings) {
		return fmt.Errorf("%w: rendered %d bindings, parsed %d", domain.ErrEnvInvalid, len(bindings), len(parsed))
	}
	for _, binding := range bindings {
		got, ok := parsed[binding.Name]
		if !ok || got != binding.Value {
			return fmt.Errorf("%w: value of %s would be altered by the dotenv parser (quotes, '$', ' #' or trailing spaces)",
				domain.ErrEnvInvalid, binding.Name)
		}
	}
	return nil
}

// Mask renders the bindings with every value replaced, for display.
func Mask(bindings []domain.Binding) string {
	var b strings.Builder
	for _, binding := range bindings {
		b.WriteString(binding.Name)
		b.WriteString("=")
		if binding.Value != "" {
			b.WriteString("********")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
