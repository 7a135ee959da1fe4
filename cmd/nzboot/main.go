// nzboot prepares and launches the nezha monitoring agent next to a
// long-running workload script, then stays resident so the container or
// service around it keeps running. It takes no arguments; everything comes
// from env.sh and the optional nzboot.toml in the working directory.
package main

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"nzboot/pkg/bootstrap"
	"nzboot/pkg/logging"
	"nzboot/pkg/settings"
	"nzboot/pkg/sigcontext"
)

func init() {
	// Dispatch logging output instead of writing all levels' messages to
	// stderr.
	logging.Set(logging.Output(ioutil.Discard))
	for _, hook := range splitHooks(os.Stdout, os.Stderr) {
		logging.Set(logging.Hook(hook))
	}
}

func main() {
	os.Exit(_main())
}

func _main() int {
	log := logging.New("main")
	if err := newApp().Run(os.Args); err != nil {
		log.WithError(err).Error("bootstrap failed")
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:        "nzboot",
		Usage:       "provision and supervise the nezha agent and the workload script",
		HideHelp:    true,
		HideVersion: true,
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return errors.Errorf("unexpected arguments: %v", c.Args().Slice())
			}
			dir, err := os.Getwd()
			if err != nil {
				return errors.Wrap(err, "resolve working directory")
			}
			return run(c.Context, dir)
		},
	}
}

func run(ctx context.Context, dir string) error {
	log := logging.New("main")
	s, err := settings.Load(filepath.Join(dir, settings.DefaultPath))
	if err != nil {
		return err
	}
	logging.Set(logging.Level(s.LogLevel))

	ctx, cancel, received := sigcontext.WithSignalCancel(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	log.WithField("dir", dir).Info("starting")
	err = bootstrap.New(dir, s).Run(ctx)
	if sig := received(); sig != nil {
		log.WithField("signal", sig).Info("received signal, exiting")
	}
	return err
}
