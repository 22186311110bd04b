package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/api"
	"github.com/CreepyPvP/nanocl/pkg/reconciler"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func jsonOutput(cmd *cobra.Command) bool {
	output, _ := cmd.Flags().GetString("output")
	return output == "json"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// startSpinner shows progress on stderr while a daemon call runs and
// returns the function that stops it. JSON output stays spinner-free.
func startSpinner(cmd *cobra.Command, suffix string) func() {
	if jsonOutput(cmd) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	return s.Stop
}

// newTable returns a borderless table in the style of docker ps
func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	style := table.StyleLight
	style.Options = table.OptionsNoBordersAndSeparators
	style.Box.PaddingLeft = ""
	style.Box.PaddingRight = "   "
	style.Format.Header = text.FormatUpper
	t.SetStyle(style)
	t.AppendHeader(table.Row(header))
	return t
}

func colorAction(action reconciler.Action) string {
	switch action {
	case reconciler.ActionCreate:
		return text.FgGreen.Sprint(action)
	case reconciler.ActionUpdate, reconciler.ActionDelete:
		return text.FgYellow.Sprint(action)
	case reconciler.ActionError:
		return text.FgRed.Sprint(action)
	case reconciler.ActionSkip:
		return text.FgHiBlack.Sprint(action)
	default:
		return string(action)
	}
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func printResult(cmd *cobra.Command, result *reconciler.Result) error {
	if jsonOutput(cmd) {
		return printJSON(result)
	}
	if result == nil || len(result.Outcomes) == 0 {
		fmt.Println("Nothing to do")
		return nil
	}

	t := newTable("kind", "key", "action", "version", "error")
	for _, o := range result.Outcomes {
		version := shortKey(o.After)
		if o.Before != "" && o.After != "" && o.Before != o.After {
			version = shortKey(o.Before) + " -> " + shortKey(o.After)
		}
		t.AppendRow(table.Row{o.Kind, o.Key, colorAction(o.Action), version, o.Error})
	}
	t.Render()
	if result.Record != nil {
		fmt.Printf("\nRecord: %s\n", result.Record.ID)
	}
	return nil
}

func printEntities(cmd *cobra.Command, entities []*types.Entity) error {
	if jsonOutput(cmd) {
		return printJSON(entities)
	}

	t := newTable("namespace", "name", "version", "schema", "address", "age")
	for _, e := range entities {
		schema := ""
		if e.Version != nil {
			schema = e.Version.SchemaVersion
		}
		t.AppendRow(table.Row{e.Namespace, e.Name, shortKey(e.CurrentVersionKey), schema, e.RuntimeAddress, age(e.CreatedAt)})
	}
	t.Render()
	return nil
}

func printHistory(cmd *cobra.Command, versions []*types.Version, head string) error {
	if jsonOutput(cmd) {
		return printJSON(versions)
	}

	t := newTable("seq", "key", "schema", "created", "")
	for _, v := range versions {
		marker := ""
		if v.Key == head {
			marker = text.FgGreen.Sprint("(head)")
		}
		t.AppendRow(table.Row{v.Seq, v.Key, v.SchemaVersion, v.CreatedAt.Format(time.RFC3339), marker})
	}
	t.Render()
	return nil
}

func printNamespaces(cmd *cobra.Command, namespaces []api.NamespaceSummary) error {
	if jsonOutput(cmd) {
		return printJSON(namespaces)
	}

	t := newTable("name", "entities", "age")
	for _, ns := range namespaces {
		t.AppendRow(table.Row{ns.Name, ns.Entities, age(ns.CreatedAt)})
	}
	t.Render()
	return nil
}
