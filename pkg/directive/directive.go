// Package directive extracts the agent connection settings from the single
// instruction string operators paste from the monitoring dashboard, e.g.
//
//	curl -L https://.../agent.sh -o agent.sh && env NZ_SERVER=nz.example.com:443 NZ_TLS=true NZ_CLIENT_SECRET=abc ./agent.sh
//
// Only the NZ_* assignments matter; every other token is ignored.
package directive

import (
	"regexp"
	"strings"
	"unicode"

	"nzboot/pkg/agentconf"
	"nzboot/pkg/errs"
)

const (
	keyServer = "NZ_SERVER"
	keySecret = "NZ_CLIENT_SECRET"
	keyTLS    = "NZ_TLS"
	keyUUID   = "NZ_UUID"
)

// DefaultTLS is used when the directive carries no NZ_TLS assignment.
const DefaultTLS = "false"

var (
	serverValue = regexp.MustCompile(`^[\w.:-]+`)
	tokenValue  = regexp.MustCompile(`^[\w-]+`)
	tlsValue    = regexp.MustCompile(`(?i)^(true|false|1|0)`)
)

// isSeparator splits the directive into assignments. Shell control
// characters end an assignment just like whitespace does.
func isSeparator(r rune) bool {
	switch r {
	case ';', '&', '|':
		return true
	}
	return unicode.IsSpace(r)
}

// Parse returns the agent configuration described by input. When NZ_SERVER
// or NZ_CLIENT_SECRET is missing it returns an errs.MalformedDirective error,
// which callers treat as "do not run the agent".
//
// NZ_TLS accepts a value starting with true, false, 1 or 0 in any case and
// defaults to "false".
// NZ_UUID, when present, becomes the caller-supplied identity.
func Parse(input string) (agentconf.Config, error) {
	var (
		cfg    agentconf.Config
		tls    string
		hasTLS bool
	)
	for _, token := range strings.FieldsFunc(input, isSeparator) {
		token = strings.TrimLeft(token, `"'`)
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case keyServer:
			if cfg.Server == "" {
				cfg.Server = serverValue.FindString(value)
			}
		case keySecret:
			if cfg.Secret == "" {
				cfg.Secret = tokenValue.FindString(value)
			}
		case keyTLS:
			if v := tlsValue.FindString(value); !hasTLS && v != "" {
				tls, hasTLS = v, true
			}
		case keyUUID:
			if cfg.Identity == "" {
				cfg.Identity = tokenValue.FindString(value)
			}
		}
	}

	switch {
	case cfg.Server == "" && cfg.Secret == "":
		return agentconf.Config{}, errs.New(errs.MalformedDirective, "parse directive", "", errMissing(keyServer, keySecret))
	case cfg.Server == "":
		return agentconf.Config{}, errs.New(errs.MalformedDirective, "parse directive", "", errMissing(keyServer))
	case cfg.Secret == "":
		return agentconf.Config{}, errs.New(errs.MalformedDirective, "parse directive", "", errMissing(keySecret))
	}

	cfg.TLS = DefaultTLS
	if hasTLS {
		cfg.TLS = tls
	}
	return cfg, nil
}

type missingError []string

func (m missingError) Error() string {
	return "missing " + strings.Join(m, " and ")
}

func errMissing(keys ...string) error {
	return missingError(keys)
}
