package config

import "varianceiq/pkg/contracts"

// Application info
const (
	AppName    = "varianceiq"
	AppVersion = contracts.Version
)

// Well-known file names under the data and reports directories.
const (
	WorkbookPrefix   = "variance"
	WorkbookExt      = ".xlsx"
	CSVExt           = ".csv"
	DefaultRunsLimit = 20
	MaxRunsLimit     = 500
)
