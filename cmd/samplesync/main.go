package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ebmlabs/samplesync/pkg/auth"
	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/database"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/migrations"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/ebmlabs/samplesync/pkg/version"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	var db *bun.DB
	var s *syncer.Syncer

	// setup opens the database and builds the syncer for commands that need
	// them.
	setup := func(c *cli.Context) error {
		db, err = database.New(cfg)
		if err != nil {
			return err
		}
		if _, err := migrations.BringUpToDate(c.Context, db); err != nil {
			return err
		}
		client := lims.NewClient(cfg)
		s = syncer.New(cfg, db, client, metrics.New())
		return nil
	}

	app := &cli.App{
		Name:        "samplesync",
		Usage:       "CLI to run sync operations by hand",
		Description: "Runs the same operations as the sync admin API against the configured database and LIMS.",
		Version:     version.Version,
		After: func(_ *cli.Context) error {
			if db != nil {
				return db.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "import",
				Usage:  "pull every managed LIMS record into the local store",
				Before: setup,
				Action: func(c *cli.Context) error {
					ctx := log.WithContext(c.Context)
					result, err := s.ImportAll(ctx, func(p models.ImportProgress) {
						fmt.Fprintf(os.Stderr, "processed %d records (%d errors)\n", p.Processed, p.Errors)
					})
					if result != nil {
						if perr := printJSON(result); perr != nil {
							return perr
						}
					}
					return err
				},
			},
			{
				Name:   "push",
				Usage:  "push every locally changed sample to the LIMS",
				Before: setup,
				Action: func(c *cli.Context) error {
					result, err := s.PushAll(log.WithContext(c.Context))
					if result != nil {
						if perr := printJSON(result); perr != nil {
							return perr
						}
					}
					return err
				},
			},
			{
				Name:   "process-queue",
				Usage:  "process one batch of the sync queue",
				Before: setup,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "batch-size", Usage: "number of items to claim, defaults to the configured batch size"},
				},
				Action: func(c *cli.Context) error {
					result, err := s.ProcessQueue(log.WithContext(c.Context), c.Int("batch-size"))
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:   "requeue-stuck",
				Usage:  "return items stuck in processing to pending",
				Before: setup,
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "minimum time in processing, defaults to the configured threshold"},
				},
				Action: func(c *cli.Context) error {
					n, err := s.RequeueStuck(log.WithContext(c.Context), c.Duration("older-than"))
					if err != nil {
						return err
					}
					return printJSON(map[string]int{"requeued": n})
				},
			},
			{
				Name:   "reprocess-failed",
				Usage:  "reset every failed queue item",
				Before: setup,
				Action: func(c *cli.Context) error {
					n, err := s.ReprocessFailed(log.WithContext(c.Context))
					if err != nil {
						return err
					}
					return printJSON(map[string]int{"requeued": n})
				},
			},
			{
				Name:   "status",
				Usage:  "print the sync status",
				Before: setup,
				Action: func(c *cli.Context) error {
					st, err := s.GetSyncStatus(log.WithContext(c.Context))
					if err != nil {
						return err
					}
					return printJSON(st)
				},
			},
			{
				Name:      "sync-from",
				Usage:     "fetch one LIMS record and apply it locally",
				ArgsUsage: "<external id>",
				Before:    setup,
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("sync-from takes exactly one external id")
					}
					sample, err := s.SyncFromExternal(log.WithContext(c.Context), c.Args().First())
					if err != nil {
						return err
					}
					return printJSON(sample)
				},
			},
			{
				Name:      "sync-to",
				Usage:     "push one local sample to the LIMS",
				ArgsUsage: "<sample id>",
				Before:    setup,
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("sync-to takes exactly one sample id")
					}
					id, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return errors.Wrap(err, "invalid sample id")
					}
					sample, err := s.SyncToExternal(log.WithContext(c.Context), id)
					if err != nil {
						return err
					}
					return printJSON(sample)
				},
			},
			{
				Name:  "token",
				Usage: "mint a caller token signed with the configured secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Usage: "caller id", Required: true},
					&cli.BoolFlag{Name: "admin", Usage: "grant the admin claim"},
				},
				Action: func(c *cli.Context) error {
					token, err := auth.NewService(cfg.JWTSecret).IssueToken(c.String("subject"), c.Bool("admin"))
					if err != nil {
						return err
					}
					fmt.Println(token)
					fmt.Fprintf(os.Stderr, "expires at %s\n", time.Now().Add(auth.TokenExpiry).Format(time.RFC3339))
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("app run error")
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Println(string(data))
	return nil
}
