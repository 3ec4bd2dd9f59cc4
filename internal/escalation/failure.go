// Package escalation decides how repeated synthesis failures move a function
// between model tiers.
package escalation

import (
	"encoding/json"
	"fmt"
)

// FailureKind discriminates the FailureType variants.
type FailureKind string

const (
	KindSyntax     FailureKind = "syntax"
	KindType       FailureKind = "type"
	KindTest       FailureKind = "test"
	KindTimeout    FailureKind = "timeout"
	KindSemantic   FailureKind = "semantic"
	KindComplexity FailureKind = "complexity"
	KindSecurity   FailureKind = "security"
	KindCoherence  FailureKind = "coherence"
)

// AllFailureKinds lists every failure kind.
func AllFailureKinds() []FailureKind {
	return []FailureKind{
		KindSyntax, KindType, KindTest, KindTimeout,
		KindSemantic, KindComplexity, KindSecurity, KindCoherence,
	}
}

// FailureType is a classified synthesis failure. It is data passed to
// DetermineEscalation, never an error value.
type FailureType interface {
	Kind() FailureKind
	isFailure()
}

// SyntaxFailure is output that did not parse. Recoverable parse errors are
// worth retrying on the same tier.
type SyntaxFailure struct {
	Recoverable bool   `json:"recoverable"`
	Message     string `json:"message,omitempty"`
}

// TypeFailure is output that parsed but did not type-check.
type TypeFailure struct {
	Message string `json:"message,omitempty"`
}

// FailingTest is one failed test case.
type FailingTest struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// TestFailure is output that compiled but failed tests.
type TestFailure struct {
	FailingTests []FailingTest `json:"failingTests"`
}

// TimeoutFailure is a resource limit hit during generation or verification.
type TimeoutFailure struct {
	Resource string `json:"resource"`
	Limit    int64  `json:"limit"`
}

// SemanticFailure is a contract or witness violation.
type SemanticFailure struct {
	Violation string `json:"violation"`
}

// ComplexityFailure is an implementation with the wrong asymptotic class.
type ComplexityFailure struct {
	Expected string `json:"expected"`
	Measured string `json:"measured"`
}

// SecurityFailure is a detected vulnerability, tagged OWASP/CWE style.
type SecurityFailure struct {
	Vulnerability string `json:"vulnerability"`
}

// CoherenceFailure is a structural conflict between functions.
type CoherenceFailure struct {
	ConflictingFunctions []string `json:"conflictingFunctions"`
}

func (SyntaxFailure) Kind() FailureKind     { return KindSyntax }
func (TypeFailure) Kind() FailureKind       { return KindType }
func (TestFailure) Kind() FailureKind       { return KindTest }
func (TimeoutFailure) Kind() FailureKind    { return KindTimeout }
func (SemanticFailure) Kind() FailureKind   { return KindSemantic }
func (ComplexityFailure) Kind() FailureKind { return KindComplexity }
func (SecurityFailure) Kind() FailureKind   { return KindSecurity }
func (CoherenceFailure) Kind() FailureKind  { return KindCoherence }

func (SyntaxFailure) isFailure()     {}
func (TypeFailure) isFailure()       {}
func (TestFailure) isFailure()       {}
func (TimeoutFailure) isFailure()    {}
func (SemanticFailure) isFailure()   {}
func (ComplexityFailure) isFailure() {}
func (SecurityFailure) isFailure()   {}
func (CoherenceFailure) isFailure()  {}

// EncodeFailure renders f as {"type": kind, ...fields}.
func EncodeFailure(f FailureType) ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s failure: %w", f.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s failure: %w", f.Kind(), err)
	}
	kind, _ := json.Marshal(f.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// DecodeFailure is the inverse of EncodeFailure. "null" decodes to nil.
func DecodeFailure(data []byte) (FailureType, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var head struct {
		Type FailureKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode failure: %w", err)
	}
	switch head.Type {
	case KindSyntax:
		return decodeAs[SyntaxFailure](data)
	case KindType:
		return decodeAs[TypeFailure](data)
	case KindTest:
		return decodeAs[TestFailure](data)
	case KindTimeout:
		return decodeAs[TimeoutFailure](data)
	case KindSemantic:
		return decodeAs[SemanticFailure](data)
	case KindComplexity:
		return decodeAs[ComplexityFailure](data)
	case KindSecurity:
		return decodeAs[SecurityFailure](data)
	case KindCoherence:
		return decodeAs[CoherenceFailure](data)
	default:
		return nil, fmt.Errorf("decode failure: unknown type %q", head.Type)
	}
}

func decodeAs[T FailureType](data []byte) (FailureType, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode failure: %w", err)
	}
	return v, nil
}
