// Package audit inspects tool call arguments for injection patterns and logs
// security-relevant events in structured JSON for SIEM consumption.
package audit

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionFinding describes a tool argument that tripped the injection check.
type InjectionFinding struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Argument    string // Name of the argument that failed the check
	Value       any    // The value that was checked
}

// CheckArgument runs libinjection over a single tool call argument.
//
// Only string values are checked. Numbers, booleans, and nested structures
// cannot carry SQL injection patterns and return nil.
func CheckArgument(name string, value any) *InjectionFinding {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionFinding{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			Argument:    name,
			Value:       value,
		}
	}
	return nil
}

// CheckArguments scans every argument of a tool call and returns a finding per
// argument that matched an injection pattern. Clean calls return an empty
// slice.
func CheckArguments(args map[string]any) []*InjectionFinding {
	var findings []*InjectionFinding
	for name, value := range args {
		if f := CheckArgument(name, value); f != nil {
			findings = append(findings, f)
		}
	}
	return findings
}
