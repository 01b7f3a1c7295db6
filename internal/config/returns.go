package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"varianceiq/pkg/contracts/domain"
)

// ErrUnknownForm is returned when a requested form code is not configured.
var ErrUnknownForm = errors.New("unknown form code")

// ReturnsFile is the on-disk list of returns to analyse.
type ReturnsFile struct {
	Returns []domain.ReturnConfig `yaml:"returns" validate:"required,min=1,dive"`
}

var returnsValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadReturns reads and validates the returns file at path.
func LoadReturns(path string) ([]domain.ReturnConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read returns file: %w", err)
	}
	return ParseReturns(data)
}

// ParseReturns decodes and validates a returns document. Codes must be unique.
func ParseReturns(data []byte) ([]domain.ReturnConfig, error) {
	var file ReturnsFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse returns file: %w", err)
	}

	for i := range file.Returns {
		file.Returns[i].Code = strings.TrimSpace(file.Returns[i].Code)
		file.Returns[i].ExpectedDate = strings.TrimSpace(file.Returns[i].ExpectedDate)
	}

	if err := returnsValidator.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid returns file: %w", describeValidation(err))
	}

	seen := make(map[string]struct{}, len(file.Returns))
	for _, r := range file.Returns {
		if _, dup := seen[r.Code]; dup {
			return nil, fmt.Errorf("invalid returns file: duplicate form code %q", r.Code)
		}
		seen[r.Code] = struct{}{}
	}

	return file.Returns, nil
}

// SelectReturns keeps the configured returns named by codes, in configured
// order. An empty codes list selects everything.
func SelectReturns(all []domain.ReturnConfig, codes []string) ([]domain.ReturnConfig, error) {
	if len(codes) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c != "" {
			want[c] = false
		}
	}

	out := make([]domain.ReturnConfig, 0, len(want))
	for _, r := range all {
		if _, ok := want[r.Code]; ok {
			want[r.Code] = true
			out = append(out, r)
		}
	}

	var missing []string
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if found, ok := want[c]; ok && !found {
			missing = append(missing, c)
			want[c] = true
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, strings.Join(missing, ", "))
	}
	return out, nil
}

func describeValidation(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
