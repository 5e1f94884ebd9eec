// Package types provides core types used across the resilient-llm runtime.
// This package has ZERO dependencies on other resilient-llm packages to avoid
// circular imports. All other packages should import types from here.
package types
