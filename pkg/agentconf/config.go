// Package agentconf owns the agent's persisted configuration document and the
// decision whether its generated identity survives a restart.
//
// The agent writes a uuid into its configuration the first time it connects
// and identifies itself with it from then on. Regenerating the document on
// every boot would register a new host on the dashboard each time, so the
// identity is carried over as long as the connection settings (server,
// secret and TLS) are unchanged.
package agentconf

import "strings"

// Config is the desired or persisted state of the agent.
type Config struct {
	Server string
	Secret string
	// TLS is kept as written ("true", "1", "On", ...); see IsTruthy.
	TLS string
	// Identity is the agent uuid. Empty means absent.
	Identity string
}

// Normalize strips quote characters and surrounding whitespace.
func Normalize(v string) string {
	return strings.TrimSpace(strings.NewReplacer(`"`, "", `'`, "").Replace(v))
}

// IsTruthy reports whether v spells true: "true", "1" or "on" in any case,
// quotes and whitespace ignored. Everything else is false.
func IsTruthy(v string) bool {
	switch strings.ToLower(Normalize(v)) {
	case "true", "1", "on":
		return true
	}
	return false
}

// Equivalent reports whether a and b connect the same way. Identity is never
// compared.
func Equivalent(a, b Config) bool {
	return Normalize(a.Server) == Normalize(b.Server) &&
		Normalize(a.Secret) == Normalize(b.Secret) &&
		IsTruthy(a.TLS) == IsTruthy(b.TLS)
}
