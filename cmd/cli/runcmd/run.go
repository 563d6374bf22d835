package runcmd

import (
	"log"

	"github.com/spf13/cobra"
	"suiterunner/internal/config"
	"suiterunner/internal/database"
	"suiterunner/internal/queue"
	"suiterunner/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(notifierCmd)
}

func mustConfig(cmd *cobra.Command) *config.SRConfig {
	conf := config.FromCobraCmd(cmd)
	conf.ConfigureLogging()
	if err := conf.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return conf
}

// mustStore opens the configured run store. The postgres schema is migrated on the way.
func mustStore(cmd *cobra.Command, conf *config.SRConfig) store.RunStore {
	if conf.Database.Driver == "memory" {
		return store.NewMemory()
	}

	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	if err := database.Migrate(cmd.Context(), db); err != nil {
		log.Fatalf("Could not migrate database: %v", err)
	}
	return store.NewPostgres(db)
}

func mustQueue(conf *config.SRConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatalf("Could not connect to redis queue: %v", err)
	}
	return redis
}
