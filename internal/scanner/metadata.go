package scanner

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"bloom/internal/camera"
	"bloom/internal/faults"
	"bloom/internal/rotation"
)

// Metadata identifies the plant being scanned.
type Metadata struct {
	PhenotyperID  string `json:"phenotyper_id" validate:"required,notblank"`
	ExperimentID  string `json:"experiment_id" validate:"required,notblank"`
	PlantID       string `json:"plant_id" validate:"required,notblank"`
	AccessionName string `json:"accession_name" validate:"required,notblank"`
	WaveNumber    int    `json:"wave_number" validate:"gte=1"`
	PlantAgeDays  int    `json:"plant_age_days" validate:"gte=0"`
}

// Trimmed returns m with surrounding whitespace removed from every text field.
func (m Metadata) Trimmed() Metadata {
	m.PhenotyperID = strings.TrimSpace(m.PhenotyperID)
	m.ExperimentID = strings.TrimSpace(m.ExperimentID)
	m.PlantID = strings.TrimSpace(m.PlantID)
	m.AccessionName = strings.TrimSpace(m.AccessionName)
	return m
}

// Settings are the device parameters for one session.
type Settings struct {
	Camera   camera.Settings   `json:"camera"`
	Rotation rotation.Settings `json:"rotation"`
}

// Request starts a scan.
type Request struct {
	Metadata Metadata `json:"metadata"`
	Settings Settings `json:"settings"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("notblank", validators.NotBlank)
	})
	return validate
}

// Validate checks metadata and settings before any hardware is touched.
// Failures carry faults.ErrValidation.
func (r Request) Validate() error {
	return validateStruct(r)
}

// Validate checks that every metadata field is present.
func (m Metadata) Validate() error {
	return validateStruct(m)
}

func validateStruct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", faults.ErrValidation, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", faults.ErrValidation, strings.Join(problems, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// fieldPath drops the root type name: "Request.metadata.plant_id" becomes
// "metadata.plant_id".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
