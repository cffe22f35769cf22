package runbook

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/go-playground/validator/v10"
)

var ErrInvalidRunbook = errors.New("invalid runbook")

var validate = validator.New()

var stepNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func init() {
	_ = validate.RegisterValidation("stepname", func(fl validator.FieldLevel) bool {
		return stepNamePattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return remote.ValidEnvName(fl.Field().String())
	})
}

// Validate checks field constraints, that every step has exactly one kind,
// that step names are unique and that every If refers to a variable captured
// by an earlier step.
func Validate(rb *Runbook) error {
	if rb == nil {
		return fmt.Errorf("%w: nil runbook", ErrInvalidRunbook)
	}
	if err := validate.Struct(rb); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRunbook, err)
	}

	names := make(map[string]bool, len(rb.Steps))
	captured := make(map[string]bool)
	for i, st := range rb.Steps {
		if names[st.Name] {
			return fmt.Errorf("%w: step %d: duplicate name %q", ErrInvalidRunbook, i, st.Name)
		}
		names[st.Name] = true

		action := st.Action()
		if action == nil {
			return fmt.Errorf("%w: step %q: exactly one of shell, patch, restart, verify is required", ErrInvalidRunbook, st.Name)
		}
		if err := validate.Struct(action); err != nil {
			return fmt.Errorf("%w: step %q: %v", ErrInvalidRunbook, st.Name, err)
		}
		if st.If != "" && !captured[st.If] {
			return fmt.Errorf("%w: step %q: if %q is not captured by an earlier step", ErrInvalidRunbook, st.Name, st.If)
		}
		for name := range st.Capture {
			captured[name] = true
		}
	}
	return nil
}
