package escalation

import (
	"fmt"
	"strings"
)

// GenerateFailureSummary describes only the given failure. History is never
// included, so a retry prompt cannot see earlier failed attempts.
func GenerateFailureSummary(failure FailureType) string {
	switch f := failure.(type) {
	case SyntaxFailure:
		if f.Message == "" {
			return "Syntax error in generated code."
		}
		return "Syntax error: " + f.Message
	case TypeFailure:
		if f.Message == "" {
			return "Type error in generated code."
		}
		return "Type error: " + f.Message
	case TestFailure:
		if len(f.FailingTests) == 0 {
			return "Tests failed."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d test(s) failed:", len(f.FailingTests))
		for _, t := range f.FailingTests {
			b.WriteString("\n- ")
			b.WriteString(t.Name)
			if t.Message != "" {
				b.WriteString(": ")
				b.WriteString(t.Message)
			}
		}
		return b.String()
	case TimeoutFailure:
		return fmt.Sprintf("Exceeded %s limit of %d.", f.Resource, f.Limit)
	case SemanticFailure:
		return "Semantic violation: " + f.Violation
	case ComplexityFailure:
		return fmt.Sprintf("Complexity mismatch: expected %s, measured %s.", f.Expected, f.Measured)
	case SecurityFailure:
		return "Security vulnerability: " + f.Vulnerability
	case CoherenceFailure:
		return "Conflicts with: " + strings.Join(f.ConflictingFunctions, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("Unclassified failure %T.", failure)
	}
}
