package main

import (
	"github.com/bmi-project/bmi/internal/bmi"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage project snapshots",
	}
	cmd.AddCommand(newSnapshotCreateCmd(), newSnapshotListCmd(), newSnapshotRmCmd())
	return cmd
}

func newSnapshotCreateCmd() *cobra.Command {
	var creds credentialFlags
	var project, parent string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Run the safe-clone-from-live-image sequence against a parent image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			env, err := buildEnvironment(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer env.Close()

			resp := env.Facade.CreateSnapshot(cmd.Context(), bmi.CreateSnapshotRequest{
				Credentials:  creds.encode(),
				ProjectName:  project,
				ParentImage:  parent,
				SnapshotName: args[0],
			})
			return emit(cmd, resp)
		},
	}

	creds.bind(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&parent, "parent", "", "parent image name")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

func newSnapshotListCmd() *cobra.Command {
	var creds credentialFlags
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshot-kind images visible in a project's namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			env, err := buildEnvironment(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer env.Close()

			resp := env.Facade.ListSnapshots(cmd.Context(), bmi.ListSnapshotsRequest{
				Credentials: creds.encode(),
				ProjectName: project,
			})
			return emit(cmd, resp)
		},
	}

	creds.bind(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project name")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newSnapshotRmCmd() *cobra.Command {
	var creds credentialFlags
	var project string

	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a snapshot: unprotect+remove its sentinel, remove the block image, delete the catalog row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			env, err := buildEnvironment(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer env.Close()

			resp := env.Facade.RemoveImage(cmd.Context(), bmi.RemoveImageRequest{
				Credentials: creds.encode(),
				ProjectName: project,
				ImageName:   args[0],
			})
			return emit(cmd, resp)
		},
	}

	creds.bind(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project name")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
