package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/multipath/multipathd/config"
	"github.com/canonical/multipath/multipathd/devmapper"
	"github.com/canonical/multipath/multipathd/uevent"
	"github.com/canonical/multipath/shared/logger"
)

// Version is the multipathd version.
const Version = "0.1.0"

// defaultConfigPath is where the daemon configuration lives.
const defaultConfigPath = "/etc/multipath/multipathd.yaml"

type cmdGlobal struct {
	flagConfig     string
	flagVerbosity  int
	flagNoUdevSync bool

	cfg *config.Config
	dm  *devmapper.Subsystem
	bus *uevent.Bus
}

// setup loads the configuration and brings up the device-mapper subsystem
// and the uevent bus.
func (c *cmdGlobal) setup() error {
	cfg, err := config.LoadFile(c.flagConfig)
	if err != nil {
		return err
	}

	if c.flagVerbosity >= 0 {
		cfg.Verbosity = c.flagVerbosity
	}

	logger.InitLogger(cfg.Verbosity)

	c.cfg = cfg
	c.dm = devmapper.New(cfg.Verbosity)

	if !c.flagNoUdevSync {
		bus := uevent.NewBus()
		err = bus.Start()
		if err != nil {
			logger.Warn("Failed to start uevent bus, continuing without udev synchronization", logger.Ctx{"err": err})
		} else {
			c.bus = bus
			c.dm.SetCookieBus(bus)
			c.dm.SetUdevSyncSupport(true)
		}
	}

	return nil
}

// teardown releases what setup acquired.
func (c *cmdGlobal) teardown() {
	if c.bus != nil {
		err := c.bus.Stop()
		if err != nil {
			logger.Warn("Failed to stop uevent bus", logger.Ctx{"err": err})
		}
	}

	if c.dm != nil {
		_ = c.dm.Close()
	}
}

func main() {
	globalCmd := cmdGlobal{}

	app := &cobra.Command{
		Use:           "multipathd",
		Short:         "Multipath storage management daemon",
		Long:          "multipathd aggregates physical paths to the same backing device into stable multipath maps.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.PersistentFlags().StringVar(&globalCmd.flagConfig, "config", defaultConfigPath, "Path to the daemon configuration file")
	app.PersistentFlags().IntVar(&globalCmd.flagVerbosity, "verbosity", -1, "Log verbosity (overrides the configuration)")
	app.PersistentFlags().BoolVar(&globalCmd.flagNoUdevSync, "no-udev-sync", false, "Do not wait for udev to process device events")

	showCmd := cmdShow{global: &globalCmd}
	app.AddCommand(showCmd.command())

	flushCmd := cmdFlush{global: &globalCmd}
	app.AddCommand(flushCmd.command())

	renameCmd := cmdRename{global: &globalCmd}
	app.AddCommand(renameCmd.command())

	checkCmd := cmdCheckBindings{global: &globalCmd}
	app.AddCommand(checkCmd.command())

	err := app.Execute()
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
