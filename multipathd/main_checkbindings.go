package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canonical/multipath/multipathd/alias"
)

type cmdCheckBindings struct {
	global *cmdGlobal
}

func (c *cmdCheckBindings) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-bindings",
		Short: "Cross-validate configured aliases against the bindings file",
		RunE:  c.run,
	}

	return cmd
}

func (c *cmdCheckBindings) run(cmd *cobra.Command, args []string) error {
	err := c.global.setup()
	if err != nil {
		return err
	}

	defer c.global.teardown()

	err = alias.CheckSettings(c.global.cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Bindings OK (%d entries)\n", alias.Bindings().Len())

	return nil
}
