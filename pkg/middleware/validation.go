package middleware

import (
	"context"

	"github.com/asaskevich/govalidator"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// PriorityValidation runs before any side effect.
const PriorityValidation = 100

// Validatable is implemented by commands with business-rule checks beyond
// their struct tags.
type Validatable interface {
	Validate() error
}

// Validation rejects invalid commands before the rest of the pipeline.
// Struct fields are checked against their `valid` tags; commands
// implementing Validatable are additionally asked to check their own rules.
type Validation struct{}

// NewValidation creates the validation middleware.
func NewValidation() *Validation { return &Validation{} }

func (*Validation) Priority() int { return PriorityValidation }

func (*Validation) ShouldProcess(commandbus.Command) bool { return true }

func (*Validation) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (any, error) {
	if ok, err := govalidator.ValidateStruct(cmd); !ok {
		return nil, &domain.ValidationError{Fields: fieldErrors(err)}
	}
	if v, ok := cmd.(Validatable); ok {
		if err := v.Validate(); err != nil {
			if ve, ok := err.(*domain.ValidationError); ok {
				return nil, ve
			}
			return nil, &domain.ValidationError{Fields: map[string]string{"_": err.Error()}}
		}
	}
	return next(ctx, cmd)
}

// fieldErrors flattens govalidator's error tree into field -> message.
func fieldErrors(err error) map[string]string {
	fields := make(map[string]string)
	collect(err, fields)
	if len(fields) == 0 && err != nil {
		fields["_"] = err.Error()
	}
	return fields
}

func collect(err error, fields map[string]string) {
	switch e := err.(type) {
	case govalidator.Errors:
		for _, inner := range e.Errors() {
			collect(inner, fields)
		}
	case govalidator.Error:
		fields[e.Name] = e.Err.Error()
	}
}
