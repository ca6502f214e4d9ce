package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(r *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show scopie configuration",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("SCOPIE_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/scopie/config.json"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n", cfgPath)

			var (
				out []byte
				err error
			)
			switch format {
			case "yaml", "yml":
				out, err = yaml.Marshal(r.cfg)
			case "json":
				out, err = json.MarshalIndent(r.cfg, "", "  ")
				out = append(out, '\n')
			default:
				return fmt.Errorf("unknown format %q (json|yaml)", format)
			}
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			cmd.OutOrStdout().Write(out)
			return nil
		},
	}
	showCmd.Flags().StringVar(&format, "format", "yaml", "output format (json|yaml)")

	cmd.AddCommand(showCmd)
	return cmd
}
