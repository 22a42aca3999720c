package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for full details including Crucible and Go versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		out := cmd.OutOrStdout()

		if !extended {
			_, err := fmt.Fprintf(out, "%s %s\n", identity.BinaryName, versionInfo.Version)
			return err
		}

		renderVersionTable(out, identity.BinaryName)
		return nil
	},
}

func renderVersionTable(out io.Writer, name string) {
	deps := crucible.GetVersion()

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(name)
	t.AppendRows([]table.Row{
		{"Version", versionInfo.Version},
		{"Commit", versionInfo.Commit},
		{"Built", versionInfo.BuildDate},
		{"Go", runtime.Version()},
		{"Platform", runtime.GOOS + "/" + runtime.GOARCH},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Gofulmen", deps.Gofulmen},
		{"Crucible", deps.Crucible},
	})
	t.Render()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
