package profile

import (
	"fmt"
	"strings"

	"github.com/jrsteele09/go-storyteller-client/backend"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/pkg/errors"
)

const (
	minChildAge = 1
	maxChildAge = 18
)

var ErrInvalidProfile = errors.New("invalid profile")

// ValidateRegistration checks the required fields of a registration and returns it with blank interests removed.
func ValidateRegistration(reg backend.Registration) (backend.Registration, error) {
	if strings.TrimSpace(reg.Parent.Name) == "" || strings.TrimSpace(reg.Parent.Email) == "" || strings.TrimSpace(reg.Child.Name) == "" {
		return reg, fmt.Errorf("%w: please fill in all required fields", ErrInvalidProfile)
	}
	if err := identity.ValidateEmail(reg.Parent.Email); err != nil {
		return reg, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	child, err := validateChild(reg.Child)
	if err != nil {
		return reg, err
	}
	reg.Child = child
	if reg.Parent.PhoneNumber != nil && strings.TrimSpace(*reg.Parent.PhoneNumber) == "" {
		reg.Parent.PhoneNumber = nil
	}
	return reg, nil
}

// ValidateUpdate applies the registration rules to the parts of update that are present.
func ValidateUpdate(update backend.ProfileUpdate) (backend.ProfileUpdate, error) {
	if update.Parent == nil && update.Child == nil && update.SystemPrompt == nil {
		return update, fmt.Errorf("%w: nothing to update", ErrInvalidProfile)
	}
	if update.Parent != nil {
		if strings.TrimSpace(update.Parent.Name) == "" {
			return update, fmt.Errorf("%w: parent name is required", ErrInvalidProfile)
		}
		if err := identity.ValidateEmail(update.Parent.Email); err != nil {
			return update, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}
	if update.Child != nil {
		if strings.TrimSpace(update.Child.Name) == "" {
			return update, fmt.Errorf("%w: child name is required", ErrInvalidProfile)
		}
		child, err := validateChild(*update.Child)
		if err != nil {
			return update, err
		}
		update.Child = &child
	}
	return update, nil
}

func validateChild(child backend.Child) (backend.Child, error) {
	if child.Age < minChildAge || child.Age > maxChildAge {
		return child, fmt.Errorf("%w: please enter a valid age between %d and %d", ErrInvalidProfile, minChildAge, maxChildAge)
	}
	interests := make([]string, 0, len(child.Interests))
	for _, interest := range child.Interests {
		if trimmed := strings.TrimSpace(interest); trimmed != "" {
			interests = append(interests, trimmed)
		}
	}
	if len(interests) == 0 {
		return child, fmt.Errorf("%w: please add at least one interest for your child", ErrInvalidProfile)
	}
	child.Interests = interests
	return child, nil
}
