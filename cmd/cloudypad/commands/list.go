package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/stores"
)

const (
	formatPlain = "plain"
	formatJSON  = "json"
)

func checkFormat(format string) error {
	if format != formatPlain && format != formatJSON {
		return engine.NewValidationError("format", fmt.Sprintf("unknown format %q, use plain or json", format))
	}
	return nil
}

func newListCommand(c *cli) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			statuses, err := a.manager.List(cmd.Context())
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), statuses)
			}
			renderStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatPlain, "output format: plain or json")
	return cmd
}

func renderStatuses(w io.Writer, statuses []*engine.InstanceStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Name", "Provider", "Provisioned", "Configured", "Server", "Ready"})
	for _, st := range statuses {
		t.AppendRow(table.Row{st.Name, st.Provider, yesNo(st.Provisioned), yesNo(st.Configured), st.ServerStatus, yesNo(st.Ready)})
	}
	t.Render()
}

// instanceView is the get output.
type instanceView struct {
	Status   *engine.InstanceStatus `json:"status"`
	Record   *state.Record          `json:"record"`
	Location string                 `json:"location"`
}

func newGetCommand(c *cli) *cobra.Command {
	var (
		format string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			show := func(ctx context.Context) error {
				return showInstance(ctx, a, cmd.OutOrStdout(), args[0], format)
			}
			if err := show(cmd.Context()); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchInstance(cmd.Context(), a, args[0], show)
		},
	}

	cmd.Flags().StringVar(&format, "format", formatPlain, "output format: plain or json")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print the instance again whenever its state changes")
	return cmd
}

func showInstance(ctx context.Context, a *app, w io.Writer, name, format string) error {
	rec, err := a.manager.Get(ctx, name)
	if err != nil {
		return err
	}
	st, err := a.manager.Status(ctx, name)
	if err != nil {
		return err
	}

	view := instanceView{Status: st, Record: rec, Location: a.store.Location(name)}
	if format == formatJSON {
		return writeJSON(w, view)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(name)
	t.AppendRows([]table.Row{
		{"Provider", rec.Provision.Provider},
		{"Configurator", rec.Configuration.Configurator},
		{"Provisioned", yesNo(st.Provisioned)},
		{"Configured", yesNo(st.Configured)},
		{"Server", st.ServerStatus},
		{"Ready", yesNo(st.Ready)},
	})
	for _, key := range []string{state.OutputHost, state.OutputInstanceID, state.OutputDataDiskID, state.OutputDataDiskSnapshotID, state.OutputBaseImageID} {
		if v, ok := rec.Provision.Output[key]; ok && v != nil && v != "" {
			t.AppendRow(table.Row{key, v})
		}
	}
	if md := rec.Metadata; md != nil && md.LastProvisionDate > 0 {
		t.AppendRow(table.Row{"Last provision", time.UnixMilli(md.LastProvisionDate).Format(time.RFC3339)})
	}
	if events := rec.Events.Sorted(); len(events) > 0 {
		last := events[len(events)-1]
		t.AppendRow(table.Row{"Last event", fmt.Sprintf("%s at %s", last.Type, time.UnixMilli(last.Timestamp).Format(time.RFC3339))})
	}
	t.AppendRow(table.Row{"State", view.Location})
	t.Render()
	return nil
}

// watchInstance calls show on every change of the local state or dummy
// infrastructure files until ctx is done.
func watchInstance(ctx context.Context, a *app, name string, show func(ctx context.Context) error) error {
	local, ok := a.backend.(*stores.LocalBackend)
	if !ok {
		return engine.NewPreconditionError("watch", "--watch needs the local state backend")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range []string{local.InstanceDir(name), filepath.Join(a.cfg.DataRoot, "dummy")} {
		if err := watcher.Add(dir); err != nil {
			log.Debug().Err(err).Str("path", dir).Msg("Not watching path")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || strings.HasSuffix(event.Name, ".lock") {
				continue
			}
			if err := show(ctx); err != nil {
				if engine.IsNotFound(err) {
					return nil
				}
				log.Warn().Err(err).Str("instance", name).Msg("Failed to refresh instance")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func newHistoryCommand(c *cli) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show the operations run on an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			name := args[0]
			ops, err := a.journal.ListOperations(cmd.Context(), &name, limit, 0)
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), ops)
			}
			renderOperations(cmd.OutOrStdout(), ops)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of operations to show")
	cmd.Flags().StringVar(&format, "format", formatPlain, "output format: plain or json")
	return cmd
}

func renderOperations(w io.Writer, ops []*stores.Operation) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Started", "Operation", "Status", "Duration", "Error"})
	for _, op := range ops {
		errMsg := ""
		if op.Error != nil {
			errMsg = *op.Error
		}
		duration := "-"
		if op.CompletedAt != nil {
			duration = op.Duration().Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{op.StartedAt.Local().Format(time.DateTime), op.Operation, op.Status, duration, errMsg})
	}
	t.Render()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
