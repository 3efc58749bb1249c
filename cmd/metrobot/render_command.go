package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"metrobot/internal/announcer"
	"metrobot/internal/config"
	"metrobot/internal/detector"
	"metrobot/internal/overrides"
	"metrobot/internal/status"
	"metrobot/internal/topology"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

type renderOptions struct {
	prev      string
	curr      string
	topology  string
	overrides string
	timezone  string
	threshold int
}

func newRenderCommand() *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Diff two raw payloads and print the announcements they would produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd.Context(), cmd.OutOrStdout(), opts, time.Now())
		},
	}
	cmd.Flags().StringVar(&opts.prev, "prev", "", "Previous raw payload (JSON)")
	cmd.Flags().StringVar(&opts.curr, "curr", "", "Current raw payload (JSON)")
	cmd.Flags().StringVar(&opts.topology, "topology", "", "Topology file (YAML)")
	cmd.Flags().StringVar(&opts.overrides, "overrides", "", "Override document applied to both payloads")
	cmd.Flags().StringVar(&opts.timezone, "timezone", "", "IANA zone for timestamps (default local)")
	cmd.Flags().IntVar(&opts.threshold, "segment-threshold", 0, "Stations per segment before grouping (default 6)")
	_ = cmd.MarkFlagRequired("prev")
	_ = cmd.MarkFlagRequired("curr")
	return cmd
}

func runRender(ctx context.Context, w io.Writer, opts renderOptions, now time.Time) error {
	topo, err := topology.Load(opts.topology)
	if err != nil {
		return err
	}
	prevRaw, err := readRaw(opts.prev)
	if err != nil {
		return err
	}
	currRaw, err := readRaw(opts.curr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(opts.overrides) != "" {
		store := overrides.NewStore(opts.overrides, overrides.WithLogger(logx.Nop()))
		if _, err := store.Load(ctx); err != nil {
			return err
		}
		prevRaw = store.Apply(prevRaw)
		currRaw = store.Apply(currRaw)
	}

	loc, err := config.LoadLocation(opts.timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	acfg := announcer.DefaultConfig()
	acfg.Location = loc
	if opts.threshold > 0 {
		acfg.SegmentThreshold = opts.threshold
	}
	ann := announcer.New(acfg, logx.Nop())

	comb := topology.NewCombiner(topo)
	prev := comb.Combine(prevRaw, now)
	curr := comb.Combine(currRaw, now)
	events := detector.New().DiffSnapshots(prev, curr)
	if len(events) == 0 {
		fmt.Fprintln(w, "no changes")
		return nil
	}

	fmt.Fprintf(w, "%d change(s)\n", len(events))
	for _, m := range ann.Generate(events, curr) {
		fmt.Fprintln(w)
		printMessage(w, m)
	}
	for _, text := range ann.GeneratePlain(events, curr) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "--- plain ---")
		fmt.Fprintln(w, text)
	}
	return nil
}

func readRaw(path string) (status.RawNetwork, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raw, err := status.ParseRaw(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func printMessage(w io.Writer, m transport.Message) {
	fmt.Fprintf(w, "=== %s === (#%06X)\n", m.Title, m.Color)
	if m.Description != "" {
		fmt.Fprintln(w, m.Description)
	}
	for _, f := range m.Fields {
		fmt.Fprintf(w, "\n[%s]\n%s\n", f.Name, f.Value)
	}
	if m.Footer != "" {
		fmt.Fprintf(w, "\n-- %s\n", m.Footer)
	}
}
