package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/queue"
	"github.com/TocharianOU/newrag/storage"
	"github.com/TocharianOU/newrag/task"
	"github.com/TocharianOU/newrag/versions"
)

func init() {
	RootCmd.AddCommand(initIndexCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(cleanupOrphansCmd)
	RootCmd.AddCommand(reindexVersionCmd)
	RootCmd.AddCommand(rotateTokensCmd)
	rotateTokensCmd.Flags().Duration("max-age", 90*24*time.Hour, "deactivate tool tokens older than this")
}

var initIndexCmd = &cobra.Command{
	Use:   "init-index",
	Short: "create the search index with its mapping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx, err := index.New(cfg.Index)
		if err != nil {
			return err
		}
		if err := idx.EnsureIndex(cmd.Context()); err != nil {
			return err
		}
		common.ServiceLogger("cli").WithField("index", idx.Name()).Info("Index ready")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply the metadata schema and seed roles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := common.ServiceLogger("cli")

		gormDB, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.Migrate(gormDB); err != nil {
			return err
		}
		if err := db.SeedRoles(gormDB); err != nil {
			return err
		}

		// Legacy imports can leave groups without an owner; hand those to
		// the first superuser so the permission model holds everywhere.
		superuser, err := db.NewUserStore(gormDB).FirstSuperuser()
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("No superuser found, ownerless groups left untouched")
			return nil
		}
		if err != nil {
			return err
		}
		assigned, err := db.NewDocumentStore(gormDB).AssignOwnerlessGroups(superuser.ID)
		if err != nil {
			return err
		}
		if assigned > 0 {
			log.WithField("groups", assigned).WithField("owner", superuser.Username).Info("Assigned ownerless groups")
		}
		log.Info("Migration complete")
		return nil
	},
}

var cleanupOrphansCmd = &cobra.Command{
	Use:   "cleanup-orphans",
	Short: "report derived state whose owning version is gone",
	Long:  "cleanup-orphans lists version ids with pages or chunks but no version row. Nothing is deleted; review and remove by hand.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gormDB, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		blobs, err := storage.NewS3BlobStore(cmd.Context(), cfg.Blob)
		if err != nil {
			return err
		}
		idx, err := index.New(cfg.Index)
		if err != nil {
			return err
		}

		docs := db.NewDocumentStore(gormDB)
		audit := db.NewAuditStore(gormDB)
		manager := versions.New(docs, idx, blobs, audit)

		orphans, err := manager.CleanupOrphans(cmd.Context())
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println("no orphan candidates")
			return nil
		}
		for _, id := range orphans {
			fmt.Println(id)
		}
		return nil
	},
}

var reindexVersionCmd = &cobra.Command{
	Use:   "reindex-version <version-id>",
	Short: "re-embed and re-index a completed version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		versionID := args[0]
		log := common.ServiceLogger("cli")

		gormDB, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		docs := db.NewDocumentStore(gormDB)
		if _, err := docs.GetVersion(versionID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return userError("version %s not found", versionID)
			}
			return err
		}

		// A reachable queue wakes a worker immediately; without one the
		// fallback poll picks the task up.
		var notifier task.Notifier
		if dispatch, err := queue.New(cmd.Context(), cfg.Queue); err == nil {
			defer dispatch.Close()
			notifier = dispatch
		} else {
			log.WithError(err).Warn("Dispatch queue unreachable, task will be polled")
		}

		manager := task.NewManager(db.NewTaskStore(gormDB), docs, nil, nil, notifier, db.NewAuditStore(gormDB), cfg.Worker)
		created, err := manager.Enqueue(cmd.Context(), db.TaskKindReEmbed, versionID)
		if err != nil {
			return err
		}
		log.WithField("task", created.ID).WithField("version", versionID).Info("Re-index queued")
		return nil
	},
}

var rotateTokensCmd = &cobra.Command{
	Use:   "rotate-tokens",
	Short: "deactivate tool tokens past their maximum age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		maxAge, err := cmd.Flags().GetDuration("max-age")
		if err != nil {
			return err
		}
		if maxAge <= 0 {
			return userError("max-age must be positive")
		}

		gormDB, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		rotated, err := db.NewUserStore(gormDB).RotateToolTokens(maxAge)
		if err != nil {
			return err
		}
		common.ServiceLogger("cli").WithField("rotated", rotated).Info("Tool token rotation complete")
		return nil
	},
}
