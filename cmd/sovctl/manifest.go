package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sovereignty/internal/guard"
	"github.com/davidahmann/sovereignty/internal/manifest"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "manifest", Short: "Inspect policy manifests"}
	cmd.AddCommand(&cobra.Command{
		Use:   "lint <manifest_path>",
		Short: "Load and validate an NDJSON manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return fail(1, err.Error())
			}
			p, err := guard.NewPipeline(m, guard.PolicyResolver{})
			if err != nil {
				return fail(1, err.Error())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok manifest_hash=%s stages=%s roh_ceiling=%g\n", m.Hash, strings.Join(p.Stages(), ","), m.Risk.RohCeiling)
			return nil
		},
	})
	return cmd
}
