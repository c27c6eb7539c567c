package jiterrors

import (
	"errors"
	"strings"
)

// Executable memory (X) errors
var (
	ErrExecutableAllocation = errors.New("X1|ExecutableAllocation: Executable memory for a compiled unit could not be allocated.")
	ErrPoolExhausted        = errors.New("X2|PoolExhausted: No free extent in the executable pool is large enough.")
	ErrPoolClosed           = errors.New("X3|PoolClosed: The executable pool has been released.")
	ErrRegionFreed          = errors.New("X4|RegionFreed: The executable region was already returned to its pool.")
	ErrNotSupported         = errors.New("X5|NotSupported: Executable memory backing is not supported on this platform.")
	ErrProtect              = errors.New("X6|Protect: Changing page protection failed.")
)

// Unit lifecycle (U) errors
var (
	ErrInvalidTransition = errors.New("U1|InvalidTransition: Compiled unit state transition is not allowed.")
	ErrNotLinked         = errors.New("U2|NotLinked: Compiled unit has not finished linking.")
	ErrInvalidated       = errors.New("U3|Invalidated: Compiled unit was invalidated.")
	ErrNoEntry           = errors.New("U4|NoEntry: Executable has no optimized entry installed.")
)

// Runtime patching (R) errors
var (
	ErrSafepointClosed   = errors.New("R1|SafepointClosed: Safepoint is shut down.")
	ErrNotAtSafepoint    = errors.New("R2|NotAtSafepoint: Post-link patching requires a safepoint.")
	ErrICGeneric         = errors.New("R3|ICGeneric: Inline cache is generic and accepts no more cases.")
	ErrICUnknownStub     = errors.New("R4|ICUnknownStub: Inline cache stub index out of range.")
	ErrCallLinkUnknown   = errors.New("R5|CallLinkUnknown: Call link index out of range.")
	ErrUnknownHelper     = errors.New("R6|UnknownHelper: Runtime helper is not registered.")
	ErrUnitNotRegistered = errors.New("R7|UnitNotRegistered: Code map has no unit for this handle.")
)

// Configuration (C) errors
var (
	ErrBadConfig      = errors.New("C1|BadConfig: Configuration value is invalid.")
	ErrPoolTooLarge   = errors.New("C2|PoolTooLarge: Executable pool must not exceed the rel32 reach of 2GiB.")
	ErrUnknownBacking = errors.New("C3|UnknownBacking: Pool backing must be mmap or heap.")
	ErrBadConcurrency = errors.New("C4|BadConcurrency: Compiler concurrency must be positive.")
)

// Emulated execution (E) errors
var (
	ErrFrameRegionExhausted = errors.New("E1|FrameRegionExhausted: Frame growth went past the mapped frame region.")
	ErrEmulation            = errors.New("E2|Emulation: Emulated execution stopped abnormally.")
	ErrStrayHelper          = errors.New("E3|StrayHelper: Execution reached the helper page at an unregistered address.")
)

func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := innermost(err).Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

func GetErrorNames(errs []error) []string {
	errStrs := make([]string, len(errs))
	for i, err := range errs {
		errStrs[i] = GetErrorName(err)
	}
	return errStrs
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := innermost(err).Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(innermost(err).Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
