// Package errors provides standardized error handling for cloudkit.
//
// # Platform errors
//
// Every facade (documents, functions, messaging) returns *PlatformError. The Kind field
// tags which facade failed and the remaining fields carry the payload:
//
//	var pe *errors.PlatformError
//	if errors.As(err, &pe) {
//	    log.Printf("%s %s on %s failed with %s", pe.Kind, pe.Operation, pe.Target, pe.Code)
//	}
//
// Codes are short kebab-case strings (CodeNotFound, CodePermissionDenied, ...). When the
// platform gives no code, CodeUnknown ("unknown-error") is used. NormalizeCode strips a
// transport prefix such as "functions/" from a raw code.
//
// The codes permission-denied, invalid-argument and not-found are never retried; see
// IsRetryableCode.
//
// # Classification
//
// Infrastructure code (connection management, metrics, configuration) classifies errors as
// Transient, Invalid or Fatal and wraps them with the pattern
//
//	"component.method: action failed: %w"
//
// using Wrap, WrapTransient, WrapInvalid and WrapFatal. Classify checks a ClassifiedError
// first, then a PlatformError code (retryable codes are transient, the rest invalid), then
// the package sentinels such as ErrNoConnection and ErrDataCorrupted.
package errors
