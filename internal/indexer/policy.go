package indexer

import (
	"fmt"

	"internline/internal/domain"
)

const DefaultMaxStringLength = 200

// Policy decides which inputs are accepted before any storage call.
type Policy struct {
	MaxStringLength int
	UseCases        []domain.UseCaseKey
}

func DefaultPolicy() Policy {
	return Policy{MaxStringLength: DefaultMaxStringLength, UseCases: domain.KnownUseCases}
}

func (p Policy) checkUseCase(uc domain.UseCaseKey) error {
	if _, err := domain.ParseUseCase(string(uc), p.UseCases...); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUseCase, uc)
	}
	return nil
}

// rejection returns a non-empty reason when s cannot be interned.
func (p Policy) rejection(s string) string {
	max := p.MaxStringLength
	if max <= 0 {
		max = DefaultMaxStringLength
	}
	switch {
	case s == "":
		return "empty string"
	case len(s) > max:
		return fmt.Sprintf("string exceeds %d bytes", max)
	}
	return ""
}
