package main

import (
	"fmt"
	"strings"

	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/spf13/cobra"
)

// entityCmd builds the ls|inspect|rm|history|reset tree shared by cargoes,
// vms and resources. Arguments are names inside --namespace.
func entityCmd(kind types.EntityKind, use string, aliases ...string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   fmt.Sprintf("Manage %ss", kind),
	}
	cmd.PersistentFlags().StringP("namespace", "n", types.DefaultNamespace, "Namespace")

	key := func(cmd *cobra.Command, name string) string {
		if strings.Contains(name, types.KeySeparator) {
			return name
		}
		namespace, _ := cmd.Flags().GetString("namespace")
		return types.GenKey(namespace, name)
	}

	list := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   fmt.Sprintf("List %ss", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, _ := cmd.Flags().GetString("namespace")
			all, _ := cmd.Flags().GetBool("all")
			name, _ := cmd.Flags().GetString("name")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			if all {
				namespace = ""
			}

			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			entities, err := c.ListEntities(cmd.Context(), kind, types.ListQuery{
				Namespace: namespace,
				Name:      name,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			return printEntities(cmd, entities)
		},
	}
	list.Flags().BoolP("all", "a", false, "List every namespace")
	list.Flags().String("name", "", "Filter by name (case-insensitive substring)")
	list.Flags().Int("limit", 0, "Maximum number of results")
	list.Flags().Int("offset", 0, "Number of results to skip")

	inspect := &cobra.Command{
		Use:   "inspect NAME",
		Short: fmt.Sprintf("Show a %s with its current configuration", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			entity, err := c.GetEntity(cmd.Context(), kind, key(cmd, args[0]))
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	}

	remove := &cobra.Command{
		Use:     "rm NAME...",
		Aliases: []string{"remove"},
		Short:   fmt.Sprintf("Remove %ss and their history", kind),
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			for _, name := range args {
				k := key(cmd, name)
				if _, err := c.DeleteEntity(cmd.Context(), kind, k); err != nil {
					return fmt.Errorf("%s %s: %s", kind, k, errorMessage(err))
				}
				fmt.Printf("✓ %s removed: %s\n", kind, k)
			}
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history NAME",
		Short: "List the versions of a " + string(kind) + ", newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			k := key(cmd, args[0])
			entity, err := c.GetEntity(cmd.Context(), kind, k)
			if err != nil {
				return err
			}
			versions, err := c.ListHistory(cmd.Context(), kind, k)
			if err != nil {
				return err
			}
			return printHistory(cmd, versions, entity.CurrentVersionKey)
		},
	}

	reset := &cobra.Command{
		Use:   "reset NAME VERSION_KEY",
		Short: "Make a copy of an earlier version the current one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			entity, err := c.Reset(cmd.Context(), kind, key(cmd, args[0]), args[1])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(entity)
			}
			fmt.Printf("✓ %s %s reset to %s (new version %s)\n", kind, entity.Key, args[1], entity.CurrentVersionKey)
			return nil
		},
	}

	cmd.AddCommand(list, inspect, remove, history, reset)
	return cmd
}

func init() {
	rootCmd.AddCommand(entityCmd(types.EntityKindCargo, "cargo"))
	rootCmd.AddCommand(entityCmd(types.EntityKindVm, "vm"))
	rootCmd.AddCommand(entityCmd(types.EntityKindResource, "resource", "rs"))
}
