// Package config provides centralized configuration management for varianceiq.
//
// # Configuration Sources
//
// Configuration is built in layers, later layers winning:
//
//	1. Default values (Default)
//	2. YAML file (--config, or config.yaml / configs/config.yaml)
//	3. Environment variables prefixed with VARIANCE_
//
// Nested sections map to underscored names:
//
//	VARIANCE_SERVER_PORT=8080
//	VARIANCE_GATEWAY_BASE_URL=https://reporting.example.com
//	VARIANCE_GATEWAY_CLIENT_SECRET=...
//	VARIANCE_ANALYSIS_CONCURRENCY=3
//
// # Returns
//
// The list of regulatory returns to compare lives in a separate YAML file
// (analysis.returns_file) and is loaded with LoadReturns:
//
//	returns:
//	  - code: CA1
//	    name: Capital Adequacy
//	    expected_date: "2025-03-31"
//	    confirmed: true
//
// # Paths
//
// ResolvePaths turns relative directories into absolute ones rooted at
// paths.base_dir (the working directory by default).
package config
