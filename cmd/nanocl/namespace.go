package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var namespaceCmd = &cobra.Command{
	Use:     "namespace",
	Aliases: []string{"ns"},
	Short:   "Manage namespaces",
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ns, err := c.CreateNamespace(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(ns)
		}
		fmt.Printf("✓ Namespace created: %s\n", ns.Name)
		return nil
	},
}

var namespaceListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		namespaces, err := c.ListNamespaces(cmd.Context())
		if err != nil {
			return err
		}
		return printNamespaces(cmd, namespaces)
	},
}

var namespaceRemoveCmd = &cobra.Command{
	Use:     "rm NAME...",
	Aliases: []string{"remove"},
	Short:   "Remove empty namespaces",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		for _, name := range args {
			if err := c.DeleteNamespace(cmd.Context(), name); err != nil {
				return fmt.Errorf("namespace %s: %s", name, errorMessage(err))
			}
			fmt.Printf("✓ Namespace removed: %s\n", name)
		}
		return nil
	},
}

func init() {
	namespaceCmd.AddCommand(namespaceCreateCmd)
	namespaceCmd.AddCommand(namespaceListCmd)
	namespaceCmd.AddCommand(namespaceRemoveCmd)
	rootCmd.AddCommand(namespaceCmd)
}
