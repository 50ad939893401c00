package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// ErrInvalidRecord marks a donor, recipient or hospital record that fails
// validation. Batch callers skip such records instead of failing.
var ErrInvalidRecord = fmt.Errorf("invalid record: %w", sentinel.ErrValidation)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("bloodtype", func(fl validator.FieldLevel) bool {
			return ValidBloodType(BloodType(fl.Field().String()))
		})
		_ = v.RegisterValidation("organ", func(fl validator.FieldLevel) bool {
			return ValidOrgan(OrganType(fl.Field().String()))
		})
		validate = v
	})
	return validate
}

// ValidBloodType reports whether b is one of the eight ABO/Rh groups.
func ValidBloodType(b BloodType) bool {
	for _, known := range BloodTypes {
		if known == b {
			return true
		}
	}
	return false
}

// ValidateDonor checks a donor record for the fields matching relies on.
func ValidateDonor(d *Donor) error {
	if d == nil {
		return fmt.Errorf("%w: donor is nil", ErrInvalidRecord)
	}
	return structError(validatorInstance().Struct(d))
}

// ValidateRecipient checks a recipient record for the fields matching relies on.
func ValidateRecipient(r *Recipient) error {
	if r == nil {
		return fmt.Errorf("%w: recipient is nil", ErrInvalidRecord)
	}
	return structError(validatorInstance().Struct(r))
}

// ValidateHospital checks a hospital record.
func ValidateHospital(h *Hospital) error {
	if h == nil {
		return fmt.Errorf("%w: hospital is nil", ErrInvalidRecord)
	}
	return structError(validatorInstance().Struct(h))
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(fields, ", "))
}
