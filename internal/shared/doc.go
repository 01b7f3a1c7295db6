// Package shared holds helpers used by more than one package.
//
// The testutil subpackage provides a capturing slog handler and builders
// for analysis results and return configurations used across the test
// suites.
package shared
