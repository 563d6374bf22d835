package cli

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"suiterunner/internal/config"
	"suiterunner/internal/suite"
)

var suitesCmd = &cobra.Command{
	Use:   "suites",
	Short: "Lists the suites found under the suite root",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		conf.ConfigureLogging()

		resolver := &suite.Resolver{Root: conf.Paths.SuiteRoot}
		entries, err := resolver.Discover(conf.Suites.Patterns)
		if err != nil {
			log.Fatal().Err(err).Str("root", conf.Paths.SuiteRoot).Msg("Could not discover suites")
		}
		renderSuites(cmd.OutOrStdout(), entries)
	},
}

// renderSuites writes the suites as a table with a total row
func renderSuites(w io.Writer, entries []suite.Entry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Path", "Folder", "Size"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Folder", AutoMerge: true},
		{Name: "Size", Align: text.AlignRight},
	})

	var total int64
	for _, e := range entries {
		t.AppendRow(table.Row{e.Path, e.Folder, e.Size})
		total += e.Size
	}
	t.AppendFooter(table.Row{"TOTAL", len(entries), total})
	t.Render()
}
