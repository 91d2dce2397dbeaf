package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type cmdFlush struct {
	global *cmdGlobal

	flagAll     bool
	flagSuspend bool
	flagRetries int
}

func (c *cmdFlush) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush [map]",
		Short: "Remove a multipath map and its partitions",
		RunE:  c.run,
	}

	cmd.Flags().BoolVar(&c.flagAll, "all", false, "Flush all multipath maps")
	cmd.Flags().BoolVar(&c.flagSuspend, "suspend", false, "Suspend the map first to flush outstanding I/O")
	cmd.Flags().IntVar(&c.flagRetries, "retries", 0, "Removal retries")

	return cmd
}

func (c *cmdFlush) run(cmd *cobra.Command, args []string) error {
	if c.flagAll == (len(args) == 1) {
		return fmt.Errorf("Expected exactly one map name or --all")
	}

	err := c.global.setup()
	if err != nil {
		return err
	}

	defer c.global.teardown()

	if c.flagAll {
		return c.global.dm.FlushAll(c.flagSuspend, c.flagRetries)
	}

	if c.flagSuspend {
		return c.global.dm.SuspendAndFlushMap(args[0], c.flagRetries)
	}

	return c.global.dm.FlushMap(args[0])
}
