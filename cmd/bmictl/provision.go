package main

import (
	"github.com/bmi-project/bmi/internal/bmi"
	"github.com/spf13/cobra"
)

func newProvisionCmd() *cobra.Command {
	var creds credentialFlags
	var project, image, network, channel, nic string

	cmd := &cobra.Command{
		Use:   "provision <node>",
		Short: "Clone an image, publish it over iSCSI, and wire a node's NIC into a project network",
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

			resp := env.Facade.Provision(cmd.Context(), bmi.ProvisionRequest{
				Credentials: creds.encode(),
				Node:        args[0],
				ProjectName: project,
				ImageName:   image,
				Network:     network,
				Channel:     channel,
				NIC:         nic,
			})
			return emit(cmd, resp)
		},
	}

	creds.bind(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&image, "image", "", "source image name")
	cmd.Flags().StringVar(&network, "network", "", "provisioning network")
	cmd.Flags().StringVar(&channel, "channel", "", "fabric attach channel")
	cmd.Flags().StringVar(&nic, "nic", "", "node NIC identifier")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("network")
	_ = cmd.MarkFlagRequired("nic")
	return cmd
}

func newDeprovisionCmd() *cobra.Command {
	var creds credentialFlags
	var project, nic string

	cmd := &cobra.Command{
		Use:   "deprovision <node>",
		Short: "Tear down a provisioned node: detach fabric, unpublish iSCSI, remove its clone",
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

			resp := env.Facade.Deprovision(cmd.Context(), bmi.DeprovisionRequest{
				Credentials: creds.encode(),
				Node:        args[0],
				ProjectName: project,
				NIC:         nic,
			})
			return emit(cmd, resp)
		},
	}

	creds.bind(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&nic, "nic", "", "node NIC identifier")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("nic")
	return cmd
}
