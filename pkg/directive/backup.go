package directive

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"nzboot/pkg/agentconf"
	"nzboot/pkg/errs"
	"nzboot/pkg/logging"
)

// Source tells where a resolved configuration came from.
type Source int

const (
	FromDirective Source = iota
	FromBackup
)

func (s Source) String() string {
	if s == FromBackup {
		return "backup"
	}
	return "directive"
}

type record struct {
	Server   string `yaml:"server"`
	Secret   string `yaml:"secret"`
	TLS      string `yaml:"tls"`
	Identity string `yaml:"uuid,omitempty"`
}

// Backup remembers the last directive that parsed, so a later boot without
// one still starts the agent.
type Backup struct {
	path string
}

func NewBackup(path string) *Backup {
	return &Backup{path: path}
}

func (b *Backup) Save(cfg agentconf.Config) error {
	raw, err := yaml.Marshal(record{
		Server:   cfg.Server,
		Secret:   cfg.Secret,
		TLS:      cfg.TLS,
		Identity: cfg.Identity,
	})
	if err != nil {
		return errors.Wrap(err, "encode directive backup")
	}
	return errors.Wrapf(ioutil.WriteFile(b.path, raw, 0600), "write directive backup %q", b.path)
}

// Load returns the saved configuration. A missing file is errs.SourceAbsent;
// a backup without server or secret is errs.MalformedDirective.
func (b *Backup) Load() (agentconf.Config, error) {
	raw, err := ioutil.ReadFile(b.path)
	if os.IsNotExist(err) {
		return agentconf.Config{}, errs.New(errs.SourceAbsent, "load directive backup", b.path, err)
	}
	if err != nil {
		return agentconf.Config{}, errs.New(errs.SourceUnreadable, "load directive backup", b.path, err)
	}
	var r record
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return agentconf.Config{}, errs.New(errs.SourceUnreadable, "load directive backup", b.path, err)
	}
	if r.Server == "" || r.Secret == "" {
		return agentconf.Config{}, errs.New(errs.MalformedDirective, "load directive backup", b.path, errMissing(keyServer, keySecret))
	}
	if r.TLS == "" {
		r.TLS = DefaultTLS
	}
	return agentconf.Config{Server: r.Server, Secret: r.Secret, TLS: r.TLS, Identity: r.Identity}, nil
}

// Resolve parses input and, when backup is non-nil, keeps it in step: a good
// directive is saved, a missing or malformed one is replaced by the saved
// configuration. The returned error is the directive's own error when no
// fallback was available.
func Resolve(input string, backup *Backup) (agentconf.Config, Source, error) {
	log := logging.New("directive")

	cfg, err := Parse(input)
	if err == nil {
		if backup != nil {
			if saveErr := backup.Save(cfg); saveErr != nil {
				log.WithError(saveErr).Warn("unable to save directive backup")
			}
		}
		return cfg, FromDirective, nil
	}
	if backup == nil {
		return agentconf.Config{}, FromDirective, err
	}

	saved, loadErr := backup.Load()
	if loadErr != nil {
		if !errs.Is(loadErr, errs.SourceAbsent) {
			log.WithError(loadErr).Warn("ignoring directive backup")
		}
		return agentconf.Config{}, FromDirective, err
	}
	log.WithField("server", saved.Server).Info("directive unusable, using saved backup")
	return saved, FromBackup, nil
}
