package main

import (
	"encoding/json"
	"fmt"

	"github.com/bmi-project/bmi/internal/bmi"
	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/bmi-project/bmi/internal/catalog"
	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage catalog images",
	}
	cmd.AddCommand(newImageCreateCmd(), newImageLsCmd(), newImageRmCmd())
	return cmd
}

// newImageCreateCmd backs the out-of-scope external upload path (spec §1,
// §3 "USER_UPLOAD ... created by an upload path (external)"): it allocates
// a catalog row and the backing block image directly, bypassing the
// provisioning state machine entirely; the only undo is deleting the
// catalog row again when the block image cannot be created.
func newImageCreateCmd() *cobra.Command {
	var project, size string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a USER_UPLOAD image and allocate its backing block storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sizeBytes, err := units.RAMInBytes(size)
			if err != nil {
				return fmt.Errorf("parsing --size: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			env, err := buildEnvironment(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer env.Close()

			orch := env.Facade.Orchestrator
			projectID, ok, err := orch.Catalog.ProjectIDByName(project)
			if err != nil {
				return err
			}
			if !ok {
				return emit(cmd, bmi.Envelope{StatusCode: 404, Message: "project " + project + " not found"})
			}

			imageID, err := orch.Catalog.InsertImage(args[0], projectID, catalog.KindUserUpload, nil, false)
			if err != nil {
				return emit(cmd, bmi.Envelope{StatusCode: bmierr.StatusCode(err), Message: err.Error()})
			}
			storageName := catalog.StorageName(imageID)

			session, err := orch.BlockStore.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()
			if err := session.CreateImage(cmd.Context(), storageName, uint64(sizeBytes)); err != nil {
				_ = orch.Catalog.DeleteImageByNameInProject(args[0], projectID)
				return emit(cmd, bmi.Envelope{StatusCode: bmierr.StatusCode(err), Message: err.Error()})
			}

			return emit(cmd, bmi.Envelope{StatusCode: 200, Value: map[string]any{"imageId": imageID, "storageName": storageName}})
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&size, "size", "10GiB", "backing block image size, e.g. 10GiB")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newImageLsCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List every image name visible in a project's namespace",
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

			projectID, ok, err := env.Facade.Orchestrator.Catalog.ProjectIDByName(project)
			if err != nil {
				return err
			}
			if !ok {
				return emit(cmd, bmi.Envelope{StatusCode: 404, Message: "project " + project + " not found"})
			}
			names, err := env.Facade.Orchestrator.Catalog.ImagesInProject(projectID)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(bmi.Envelope{StatusCode: 200, Value: names}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newImageRmCmd() *cobra.Command {
	var creds credentialFlags
	var project string

	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove any catalog image (USER_UPLOAD or SNAPSHOT) and its backing block storage",
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
