package main

import (
	"github.com/spf13/cobra"
)

type cmdRename struct {
	global *cmdGlobal

	flagDelim      string
	flagSkipKpartx bool
}

func (c *cmdRename) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a multipath map and its partitions",
		Args:  cobra.ExactArgs(2),
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagDelim, "delim", "", "Separator between the new name and partition suffixes")
	cmd.Flags().BoolVar(&c.flagSkipKpartx, "skip-kpartx", false, "Do not rescan partition tables after the rename")

	return cmd
}

func (c *cmdRename) run(cmd *cobra.Command, args []string) error {
	err := c.global.setup()
	if err != nil {
		return err
	}

	defer c.global.teardown()

	return c.global.dm.Rename(args[0], args[1], c.flagDelim, c.flagSkipKpartx)
}
