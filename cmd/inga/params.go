package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/melih/inga-supervisor/internal/config"
	"github.com/melih/inga-supervisor/internal/core/domain"
)

// ParamsFlags holds the flags of params set.
type ParamsFlags struct {
	BaseBranch string
	Include    string
	Exclude    string
	Mounts     []string
	UIPort     int
}

func createParamsCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Show or change the workspace parameters",
	}
	cmd.AddCommand(createParamsShowCommand(flags), createParamsSetCommand(flags))
	return cmd
}

func createParamsShowCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the user parameters and the applied snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			store, err := provideStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Load(cmd.Context(), cfg.Workspace)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Workspace string `json:"workspace"`
				domain.Settings
				EngineCurrent bool `json:"engine_current"`
				UICurrent     bool `json:"ui_current"`
			}{cfg.Workspace, st, st.EngineCurrent(), st.UICurrent()})
		},
	}
}

func createParamsSetCommand(flags *GlobalFlags) *cobra.Command {
	pf := &ParamsFlags{}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the user parameters; the next install applies them",
		Long: `Changes the user parameters of the workspace. Only the flags given are
changed. The next install recreates the affected container.

Examples:
  inga params set --base-branch=main --include='src/**'
  inga params set --mount=/home/me/lib=/lib
  inga params set --ui-port=4173`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			store, err := provideStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			st, err := store.Load(ctx, cfg.Workspace)
			if err != nil {
				return err
			}
			params := st.UserParameters.Clone()
			engineChanged := false
			if cmd.Flags().Changed("base-branch") {
				params.BaseBranch = pf.BaseBranch
				engineChanged = true
			}
			if cmd.Flags().Changed("include") {
				params.IncludePathPattern = pf.Include
				engineChanged = true
			}
			if cmd.Flags().Changed("exclude") {
				params.ExcludePathPattern = pf.Exclude
				engineChanged = true
			}
			if cmd.Flags().Changed("mount") {
				mounts, err := parseMounts(pf.Mounts)
				if err != nil {
					return err
				}
				params.AdditionalMounts = mounts
				engineChanged = true
			}
			if engineChanged {
				if err := store.SaveUserParameters(ctx, cfg.Workspace, params); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("ui-port") {
				if pf.UIPort < 0 || pf.UIPort > 65535 {
					return fmt.Errorf("ui port %d out of range", pf.UIPort)
				}
				if err := store.SaveUIUserParameters(ctx, cfg.Workspace, domain.UIParameters{Port: pf.UIPort}); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "parameters of %s updated\n", cfg.Workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&pf.BaseBranch, "base-branch", "", "branch the analysis compares against")
	cmd.Flags().StringVar(&pf.Include, "include", "", "include path pattern")
	cmd.Flags().StringVar(&pf.Exclude, "exclude", "", "exclude path pattern")
	cmd.Flags().StringArrayVar(&pf.Mounts, "mount", nil, "extra read-only mount host=container (repeatable, replaces all)")
	cmd.Flags().IntVar(&pf.UIPort, "ui-port", 0, "host port of the report UI, 0 for any free port")
	return cmd
}
