package agentconf

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Keys as the agent binary reads them.
const (
	KeyServer   = "server"
	KeySecret   = "client_secret"
	KeyTLS      = "tls"
	KeyIdentity = "uuid"
)

const maxLine = 1 << 20

// Document is what could be recovered from a persisted configuration. Fields
// that were not found are empty.
type Document struct {
	Server   string
	Secret   string
	TLS      string
	Identity string
}

// Complete reports whether the document can serve as the basis for keeping
// its identity. A missing tls line counts as incomplete.
func (d Document) Complete() bool {
	return d.Server != "" && d.Secret != "" && d.TLS != "" && d.Identity != ""
}

// Config returns the document as a Config.
func (d Document) Config() Config {
	return Config{Server: d.Server, Secret: d.Secret, TLS: d.TLS, Identity: d.Identity}
}

// ParseDocument tokenizes a line-oriented "key: value" document. A field only
// counts when its key starts the line (indentation aside) and is followed
// directly by a colon, so "insecure_tls: true" or "# tls: true" never stand
// in for "tls". Keys are case-insensitive, the value ends at the first '#',
// and the first non-empty occurrence of a key wins. Unrelated lines are
// ignored.
func ParseDocument(r io.Reader) (Document, error) {
	var (
		doc  Document
		seen = map[string]bool{}
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		key, value, ok := field(scanner.Text())
		if !ok || seen[key] {
			continue
		}
		if key == KeyIdentity {
			value = identityToken(value)
		}
		if value == "" {
			continue
		}
		switch key {
		case KeyServer:
			doc.Server = value
		case KeySecret:
			doc.Secret = value
		case KeyTLS:
			doc.TLS = value
		case KeyIdentity:
			doc.Identity = value
		default:
			continue
		}
		seen[key] = true
	}
	if err := scanner.Err(); err != nil {
		return Document{}, errors.Wrap(err, "tokenize document")
	}
	return doc, nil
}

// field splits one line into a lower-cased key and its value.
func field(line string) (key, value string, ok bool) {
	line = strings.TrimLeft(line, " \t")
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}
	key = line[:i]
	for _, c := range key {
		if !isKeyChar(c) {
			return "", "", false
		}
	}
	value = line[i+1:]
	if j := strings.IndexByte(value, '#'); j >= 0 {
		value = value[:j]
	}
	return strings.ToLower(key), strings.TrimSpace(value), true
}

func isKeyChar(c rune) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// identityToken keeps the leading run of uuid characters.
func identityToken(v string) string {
	v = Normalize(v)
	for i, c := range v {
		if !(c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return v[:i]
		}
	}
	return v
}

// Render serializes cfg in canonical order: server, client_secret, tls and,
// when present, uuid. No comments or other fields are written.
func Render(cfg Config) []byte {
	var buf bytes.Buffer
	writeField(&buf, KeyServer, cfg.Server)
	writeField(&buf, KeySecret, cfg.Secret)
	writeField(&buf, KeyTLS, cfg.TLS)
	if cfg.Identity != "" {
		writeField(&buf, KeyIdentity, cfg.Identity)
	}
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteByte('\n')
}
