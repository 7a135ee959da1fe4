// Package envfile loads the export file that drives the bootstrap. Only
// lines of the form
//
//	export NAME="VALUE"
//
// are meaningful; everything else is ignored so a partially broken file
// still yields what it can.
package envfile

import (
	"io/ioutil"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"nzboot/pkg/errs"
	"nzboot/pkg/logging"
)

var exportPattern = regexp.MustCompile(`export\s+(\w+)="([^"]*)"`)

// Environment is the immutable set of variables handed to every subprocess.
type Environment struct {
	vars map[string]string
}

// FromMap copies vars into a new Environment.
func FromMap(vars map[string]string) *Environment {
	e := &Environment{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		e.vars[k] = v
	}
	return e
}

func (e *Environment) Get(name string) string {
	return e.vars[name]
}

func (e *Environment) Lookup(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

func (e *Environment) Len() int {
	return len(e.vars)
}

// Keys returns the variable names in sorted order.
func (e *Environment) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge overlays the environment onto base, a KEY=VALUE list as returned by
// os.Environ. Names defined here win over base.
func (e *Environment) Merge(base []string) []string {
	if e == nil {
		return base
	}
	merged := make([]string, 0, len(base)+len(e.vars))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if _, ok := e.vars[name]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for _, k := range e.Keys() {
		merged = append(merged, k+"="+e.vars[k])
	}
	return merged
}

// Loader reads export files.
type Loader struct {
	// Encoding names the character set of the export file, e.g. "GBK" or
	// "utf-8". Empty means UTF-8.
	Encoding string
	// Overlays are dotenv files whose values fill in names the export file
	// leaves undefined. Missing overlays are skipped.
	Overlays []string

	log logging.Logger
}

func NewLoader(encodingName string, overlays ...string) *Loader {
	return &Loader{
		Encoding: encodingName,
		Overlays: overlays,
		log:      logging.New("envfile"),
	}
}

// Load parses the export file at path. When the file does not exist an
// errs.SourceAbsent error is returned together with a usable (possibly empty)
// Environment; callers are expected to carry on with it.
func (l *Loader) Load(path string) (*Environment, error) {
	vars := map[string]string{}
	enc, err := l.encoding()
	if err != nil {
		return FromMap(vars), errs.New(errs.SourceUnreadable, "load environment", path, err)
	}

	raw, readErr := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(readErr):
		readErr = errs.New(errs.SourceAbsent, "load environment", path, readErr)
	case readErr != nil:
		readErr = errs.New(errs.SourceUnreadable, "load environment", path, readErr)
	default:
		text, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return FromMap(vars), errs.New(errs.SourceUnreadable, "load environment", path,
				errors.Wrapf(err, "decode as %s", l.Encoding))
		}
		parseExports(string(text), vars)
		l.log.WithField("path", path).WithField("count", len(vars)).Debug("loaded exports")
	}

	l.overlay(vars)
	return FromMap(vars), readErr
}

func (l *Loader) encoding() (encoding.Encoding, error) {
	name := l.Encoding
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown encoding %q", name)
	}
	return enc, nil
}

func (l *Loader) overlay(vars map[string]string) {
	for _, path := range l.Overlays {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		extra, err := godotenv.Read(path)
		if err != nil {
			l.log.WithError(err).WithField("path", path).Warn("ignoring unparsable overlay")
			continue
		}
		for k, v := range extra {
			if _, defined := vars[k]; !defined {
				vars[k] = v
			}
		}
	}
}

// parseExports collects every export assignment in text, later ones winning.
func parseExports(text string, into map[string]string) {
	for _, line := range strings.Split(text, "\n") {
		for _, m := range exportPattern.FindAllStringSubmatch(line, -1) {
			into[m[1]] = m[2]
		}
	}
}
