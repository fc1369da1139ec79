// Command raidd is the process entrypoint: it loads configuration, registers
// the compiled-in RAID personalities, starts the lifecycle engine's single
// application-thread worker, and serves the control contract over HTTP
// (spec.md §6), grounded on the teacher's app/daemon.go cli.Command wiring.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/openraid/raidbdev/internal/examine"
	"github.com/openraid/raidbdev/internal/hostapi/hostapitest"
	"github.com/openraid/raidbdev/internal/ioreq"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/member"
	"github.com/openraid/raidbdev/internal/personalities/concat"
	"github.com/openraid/raidbdev/internal/personality"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/rpc"
	"github.com/openraid/raidbdev/internal/types"
)

const flagConfig = "config"

func main() {
	app := cli.NewApp()
	app.Name = "raidd"
	app.Usage = "software RAID virtual block device array manager"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: flagConfig, Usage: "path to YAML config file"},
	}
	app.Action = runDaemon

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("raidd exited with error")
	}
}

func runDaemon(c *cli.Context) error {
	log := logrus.StandardLogger()

	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	personalities := personality.New(log)
	if err := personalities.Register(&personality.Descriptor{
		Level:      types.Level("concat"),
		MinSlots:   1,
		Constraint: types.Constraint{Kind: types.ConstraintUnset},
		Impl:       concat.New(),
	}); err != nil {
		return fmt.Errorf("register concat personality: %w", err)
	}

	reg := registry.New()

	// hostapitest's in-memory HostLayer stands in for the real host block
	// layer, which spec.md §1 treats as an external collaborator outside
	// this module's scope; production deployments plug a real
	// hostapi.HostLayer implementation in here instead.
	host := hostapitest.NewHostLayer()
	ioreq.SetCapacityWaiter(host.WaitForCapacity)

	lc := lifecycle.New(reg, personalities, host, log)
	lc.Run()
	defer lc.Stop()

	ex := examine.New(lc, reg, host, log)
	mem := member.New(lc, ex, reg, host, log)

	cronSched := cron.New()
	cronSched.Start()
	defer cronSched.Stop()

	server := rpc.New(lc, ex, mem, reg, log)
	wireResync(lc, cronSched, server, log)

	router := rpc.NewRouter(server)
	log.WithField("address", cfg.ListenAddress).Info("raidd control contract listening")
	return http.ListenAndServe(cfg.ListenAddress, router)
}
