package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/fvbommel/sortorder"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/canonical/multipath/multipathd/alias"
)

type cmdShow struct {
	global *cmdGlobal
}

func (c *cmdShow) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show multipath state",
	}

	mapsCmd := &cobra.Command{
		Use:   "maps",
		Short: "List live multipath maps",
		RunE:  c.runMaps,
	}

	bindingsCmd := &cobra.Command{
		Use:   "bindings",
		Short: "List alias bindings",
		RunE:  c.runBindings,
	}

	cmd.AddCommand(mapsCmd)
	cmd.AddCommand(bindingsCmd)

	return cmd
}

func (c *cmdShow) runMaps(cmd *cobra.Command, args []string) error {
	err := c.global.setup()
	if err != nil {
		return err
	}

	defer c.global.teardown()

	maps, err := c.global.dm.GetMaps()
	if err != nil {
		return err
	}

	sort.Slice(maps, func(i, j int) bool {
		return sortorder.NaturalLess(maps[i].Alias, maps[j].Alias)
	})

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "WWID", "SECTORS"})
	for _, mpp := range maps {
		table.Append([]string{mpp.Alias, mpp.WWID, strconv.FormatUint(mpp.Size, 10)})
	}

	table.Render()

	return nil
}

func (c *cmdShow) runBindings(cmd *cobra.Command, args []string) error {
	err := c.global.setup()
	if err != nil {
		return err
	}

	defer c.global.teardown()

	f, err := os.Open(c.global.cfg.BindingsFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No bindings file")
			return nil
		}

		return err
	}

	defer func() { _ = f.Close() }()

	store := &alias.Store{}
	err = store.Load(f)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ALIAS", "WWID"})
	for _, b := range store.Bindings() {
		table.Append([]string{b.Alias, b.WWID})
	}

	table.Render()

	return nil
}
