package provision

import (
	"fmt"
	"io"
	"strings"
)

// Report renders the per-step console output. The step markers and the
// closing credentials block are the user-facing product of a run; structured
// logging covers diagnostics separately.
type Report struct {
	w io.Writer
}

// NewReport creates a report writing to w.
func NewReport(w io.Writer) *Report {
	return &Report{w: w}
}

func marker(o Outcome) string {
	switch o {
	case OutcomeFailed:
		return "⚠️"
	default:
		return "✅"
	}
}

// Banner prints the framed run title.
func (r *Report) Banner(title string) {
	line := "============================================================"
	fmt.Fprintf(r.w, "%s\n  %s\n%s\n", line, title, line)
}

// Section prints a step header.
func (r *Report) Section(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "\n── "+format+" ──\n", args...)
}

// Step prints one entity outcome line.
func (r *Report) Step(name string, o Outcome) {
	switch o {
	case OutcomeAlreadyPresent, OutcomeAlreadyAbsent:
		fmt.Fprintf(r.w, "   %s: %s\n", name, o)
	default:
		fmt.Fprintf(r.w, "   %s: %s %s\n", name, marker(o), o)
	}
}

// Infof prints an informational line.
func (r *Report) Infof(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "   "+format+"\n", args...)
}

// Okf prints a success line.
func (r *Report) Okf(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "   ✅ "+format+"\n", args...)
}

// Warnf prints a warning line.
func (r *Report) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "   ⚠️ "+format+"\n", args...)
}

// Failf prints a failure line.
func (r *Report) Failf(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "   ❌ "+format+"\n", args...)
}

// Summary prints the closing block listing provisioned credentials for
// manual follow-up.
func (r *Report) Summary(target Target) {
	line := "============================================================"
	fmt.Fprintf(r.w, "\n%s\n  ✅ Keycloak setup complete for realm %s\n%s\n", line, target.Realm, line)
	fmt.Fprintf(r.w, "\n  Users created:\n")
	for _, u := range target.Users {
		fmt.Fprintf(r.w, "    %s / %s  (%s)\n", u.Username, u.Password, strings.Join(u.Roles, ", "))
	}
	if target.LegacyCleanup != nil {
		fmt.Fprintf(r.w, "    %s / %s  (%s, test)\n", target.LegacyCleanup.Username, target.LegacyCleanup.Password, target.LegacyCleanup.AssignRole)
	}
}
