package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/dicomweb"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("datasetaddr", func(fl validator.FieldLevel) bool {
		_, err := dicomweb.ParseDatasetAddr(fl.Field().String())
		return err == nil
	})
}

// Validate checks the struct tags and reports the first failing field.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	fe := verrs[0]
	if fe.Tag() == "datasetaddr" {
		_, perr := dicomweb.ParseDatasetAddr(fmt.Sprint(fe.Value()))
		return fmt.Errorf("%s: %w", fe.Namespace(), perr)
	}
	return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
}
