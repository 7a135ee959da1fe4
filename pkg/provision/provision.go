// Package provision downloads and unpacks the agent binary.
package provision

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"nzboot/pkg/errs"
	"nzboot/pkg/logging"
)

// ArtifactPrefix is the published file name up to the architecture.
const ArtifactPrefix = "nezha-agent_linux_"

// Provisioner places an executable agent binary in Dir.
type Provisioner struct {
	Dir     string
	Binary  string
	Archive string
	// BaseURL ends with a slash; the artifact name is appended.
	BaseURL string
	// KeepBinary skips provisioning when Binary already exists.
	KeepBinary bool
	// Deadline bounds the download when positive.
	Deadline time.Duration

	Fetcher   Fetcher
	Extractor Extractor
	// Arch resolves the artifact flavour; HostArch when nil.
	Arch func() string

	log logging.Logger
}

func New(dir, binary, archive, baseURL string, fetcher Fetcher) *Provisioner {
	return &Provisioner{
		Dir:       dir,
		Binary:    binary,
		Archive:   archive,
		BaseURL:   baseURL,
		Fetcher:   fetcher,
		Extractor: ZipExtractor{},
		Arch:      HostArch,
		log:       logging.New("provision"),
	}
}

// Locator returns the download URL for arch.
func (p *Provisioner) Locator(arch string) string {
	return p.BaseURL + ArtifactPrefix + arch + ".zip"
}

// BinaryPath is where the agent binary lives once provisioned.
func (p *Provisioner) BinaryPath() string {
	return filepath.Join(p.Dir, p.Binary)
}

// Provision fetches and unpacks the agent, returning the binary's path.
// Failures are errs.FetchFailure or errs.ExtractFailure; callers skip the
// agent and carry on.
func (p *Provisioner) Provision(ctx context.Context) (string, error) {
	bin := p.BinaryPath()
	archive := filepath.Join(p.Dir, p.Archive)

	if p.KeepBinary {
		if _, err := os.Stat(bin); err == nil {
			p.log.WithField("binary", bin).Info("agent binary present, skipping download")
			return bin, p.makeExecutable(bin)
		}
	}

	archFn := p.Arch
	if archFn == nil {
		archFn = HostArch
	}
	arch := archFn()
	url := p.Locator(arch)
	log := p.log.WithFields(logrus.Fields{"arch": arch, "url": url})

	for _, stale := range []string{bin, archive} {
		if err := os.RemoveAll(stale); err != nil {
			log.WithError(err).WithField("path", stale).Warn("unable to remove stale file")
		}
	}

	fetchCtx := ctx
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}
	log.Info("downloading agent")
	if err := p.Fetcher.Fetch(fetchCtx, url, archive); err != nil {
		return "", errs.New(errs.FetchFailure, "fetch agent archive", url, err)
	}

	log.WithField("archive", archive).Info("unpacking agent")
	if err := p.Extractor.Extract(archive, p.Dir); err != nil {
		return "", errs.New(errs.ExtractFailure, "extract agent archive", archive, err)
	}
	if _, err := os.Stat(bin); err != nil {
		return "", errs.New(errs.ExtractFailure, "extract agent archive", archive,
			errors.Errorf("archive did not contain %q", p.Binary))
	}
	if err := p.makeExecutable(bin); err != nil {
		return "", err
	}
	log.WithField("binary", bin).Info("agent ready")
	return bin, nil
}

func (p *Provisioner) makeExecutable(path string) error {
	if err := os.Chmod(path, 0755); err != nil {
		return errs.New(errs.ExtractFailure, "mark agent executable", path, err)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return errs.New(errs.ExtractFailure, "mark agent executable", path, err)
	}
	return nil
}

// EnsureScript makes sure the workload script at path exists, fetching it
// from url when it is missing and url is set, and marks it executable.
func EnsureScript(ctx context.Context, fetcher Fetcher, path, url string) error {
	log := logging.New("provision").WithField("script", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if url == "" {
			return errs.New(errs.SourceAbsent, "locate workload script", path, err)
		}
		log.WithField("url", url).Warn("workload script missing, downloading")
		if err := fetcher.Fetch(ctx, url, path); err != nil {
			return errs.New(errs.FetchFailure, "fetch workload script", url, err)
		}
	} else if err != nil {
		return errs.New(errs.SourceUnreadable, "locate workload script", path, err)
	}
	if err := os.Chmod(path, 0755); err != nil {
		log.WithError(err).Warn("unable to mark workload script executable")
	}
	return nil
}
