package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bmi-project/bmi/internal/bmi"
	"github.com/spf13/cobra"
)

// credentialFlags binds the pass-through operator identity every mutating
// command needs for the facade's project-membership check (spec §4.4).
type credentialFlags struct {
	user     string
	password string
}

func (c *credentialFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.user, "user", "", "operator identity for project validation")
	cmd.Flags().StringVar(&c.password, "password", "", "operator credential for project validation")
}

func (c *credentialFlags) encode() string {
	return base64.StdEncoding.EncodeToString([]byte(c.user + ":" + c.password))
}

// emit prints the return envelope as JSON and turns a failure status into
// a non-zero process exit, without cobra re-printing its own usage text
// for what is a remote/semantic failure rather than a CLI misuse.
func emit(cmd *cobra.Command, env bmi.Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if env.StatusCode >= 400 {
		cmd.SilenceUsage = true
		return fmt.Errorf("%s", env.Message)
	}
	return nil
}
