package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their config key rather than the Go name.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	if err := v.RegisterValidation("pow2", isPowerOfTwo); err != nil {
		panic("config: register pow2 validation: " + err.Error())
	}
	return v
}

func isPowerOfTwo(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := fl.Field().Uint()
		return n != 0 && n&(n-1) == 0
	default:
		return false
	}
}

// Validate checks field constraints and the relations between fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	d := cfg.Device
	if d.BlockSize > math.MaxUint32 {
		return fmt.Errorf("device.block_size (%s) is too large", d.BlockSize)
	}
	if uint64(d.ProgramAlign) > uint64(d.BlockSize) {
		return fmt.Errorf("device.program_align (%d) exceeds device.block_size (%d)", d.ProgramAlign, d.BlockSize)
	}
	// The pool needs at least two blocks next to the log ring.
	if uint64(d.LogBlocks)+2 > uint64(d.BlockCount) {
		return fmt.Errorf("device.log_blocks (%d) leaves no pool in %d blocks", d.LogBlocks, d.BlockCount)
	}
	if err := d.Geometry().Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	return nil
}

// formatFieldError renders a validation failure as "key: tag=param".
func formatFieldError(fe validator.FieldError) string {
	// Namespace is "Config.device.block_size"; drop the root.
	_, key, _ := strings.Cut(fe.Namespace(), ".")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s (value %v)", key, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s (value %v)", key, fe.Tag(), fe.Value())
}
