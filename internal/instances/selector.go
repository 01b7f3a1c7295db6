// Package instances selects which dated form instance to compare against.
// Every function here is pure: no I/O and no hidden state.
package instances

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"varianceiq/pkg/contracts/domain"
)

// DateLayout is the only accepted date format.
const DateLayout = "2006-01-02"

// Selection error codes
const (
	CodeInvalidDate      = "INVALID_DATE"
	CodeNoInstances      = "NO_INSTANCES"
	CodeInstanceNotFound = "INSTANCE_NOT_FOUND"
)

// SelectionError is returned when no instance can be selected.
type SelectionError struct {
	Code    string
	Date    string
	Message string
}

func (e *SelectionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Date)
}

// Is matches any SelectionError carrying the same code.
func (e *SelectionError) Is(target error) bool {
	var t *SelectionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidDate      = &SelectionError{Code: CodeInvalidDate}
	ErrNoInstances      = &SelectionError{Code: CodeNoInstances}
	ErrInstanceNotFound = &SelectionError{Code: CodeInstanceNotFound}
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDate parses a YYYY-MM-DD date, rejecting anything else including
// impossible calendar dates such as 2025-02-30.
func ParseDate(s string) (time.Time, error) {
	if !datePattern.MatchString(s) {
		return time.Time{}, &SelectionError{Code: CodeInvalidDate, Date: s, Message: fmt.Sprintf("%q is not YYYY-MM-DD", s)}
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &SelectionError{Code: CodeInvalidDate, Date: s, Message: fmt.Sprintf("%q is not a calendar date", s)}
	}
	return t, nil
}

// ValidateDate reports whether s is a well-formed date.
func ValidateDate(s string) error {
	_, err := ParseDate(s)
	return err
}

// DaysBetween returns the calendar day count from a to b (b - a).
func DaysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// FindByDate returns the instance whose reference date equals target.
func FindByDate(list []domain.Instance, target string) (domain.InstanceSearchResult, error) {
	if _, err := ParseDate(target); err != nil {
		return domain.InstanceSearchResult{}, err
	}
	if len(list) == 0 {
		return domain.InstanceSearchResult{}, &SelectionError{Code: CodeNoInstances, Date: target, Message: "instance list is empty"}
	}

	for _, inst := range list {
		if inst.ReferenceDate == target {
			return domain.InstanceSearchResult{
				Instance:       inst,
				SearchDate:     target,
				MatchType:      domain.MatchTypeExact,
				DaysDifference: 0,
			}, nil
		}
	}

	return domain.InstanceSearchResult{}, &SelectionError{
		Code:    CodeInstanceNotFound,
		Date:    target,
		Message: fmt.Sprintf("no instance dated %s", target),
	}
}

// FindBeforeDate returns the most recent instance dated strictly before target.
// Instances with malformed dates never qualify. On equal dates the first one
// in input order wins.
func FindBeforeDate(list []domain.Instance, target string) (domain.InstanceSearchResult, error) {
	targetTime, err := ParseDate(target)
	if err != nil {
		return domain.InstanceSearchResult{}, err
	}
	if len(list) == 0 {
		return domain.InstanceSearchResult{}, &SelectionError{Code: CodeNoInstances, Date: target, Message: "instance list is empty"}
	}

	var (
		best     domain.Instance
		bestTime time.Time
		found    bool
	)
	for _, inst := range list {
		t, err := ParseDate(inst.ReferenceDate)
		if err != nil || !t.Before(targetTime) {
			continue
		}
		if !found || t.After(bestTime) {
			best, bestTime, found = inst, t, true
		}
	}

	if !found {
		return domain.InstanceSearchResult{}, &SelectionError{
			Code:    CodeInstanceNotFound,
			Date:    target,
			Message: fmt.Sprintf("no instance dated before %s", target),
		}
	}

	return domain.InstanceSearchResult{
		Instance:       best,
		SearchDate:     target,
		MatchType:      domain.MatchTypeBefore,
		DaysDifference: DaysBetween(bestTime, targetTime),
	}, nil
}

// FindByDateOrBefore tries an exact match and falls back to the closest earlier
// instance. Only meant for the comparison side of an analysis.
func FindByDateOrBefore(list []domain.Instance, target string) (domain.InstanceSearchResult, error) {
	res, err := FindByDate(list, target)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrInstanceNotFound) {
		return domain.InstanceSearchResult{}, err
	}
	return FindBeforeDate(list, target)
}
