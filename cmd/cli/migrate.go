package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"suiterunner/internal/config"
	"suiterunner/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		conf.ConfigureLogging()

		db, err := database.New(conf)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to database")
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly: %v\n", err)
			}
		}()

		if err := database.Migrate(cmd.Context(), db); err != nil {
			log.Fatal().Err(err).Msg("Could not migrate database")
		}
	},
}
