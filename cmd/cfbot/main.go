// Command cfbot runs the PostgreSQL patch-testing robot. The periodic ticks
// are designed to be driven by cron or systemd timers; the worker and
// webhook subcommands are long-running services.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/postgresql-cfbot/cfbot/go/archive"
	"github.com/postgresql-cfbot/cfbot/go/builds"
	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/commitfest"
	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/gc"
	"github.com/postgresql-cfbot/cfbot/go/httpclient"
	"github.com/postgresql-cfbot/cfbot/go/lockfile"
	"github.com/postgresql-cfbot/cfbot/go/materialize"
	"github.com/postgresql-cfbot/cfbot/go/schema"
	"github.com/postgresql-cfbot/cfbot/go/web"
	"github.com/postgresql-cfbot/cfbot/go/webhookserver"
	"github.com/postgresql-cfbot/cfbot/go/workqueue"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "cfbot",
		Usage: "test Commitfest submissions against PostgreSQL master",
		Flags: config.Flags(),
		Commands: []*cli.Command{
			{
				Name:   "minute-tick",
				Usage:  "Sync submissions, sweep stale CI state and maybe build one branch.",
				Action: minuteTick,
			},
			{
				Name:   "hourly-tick",
				Usage:  "Refresh build statistics and regenerate the slow pages.",
				Action: hourlyTick,
			},
			{
				Name:   "daily-tick",
				Usage:  "Garbage collect old logs, artifacts and builds.",
				Action: dailyTick,
			},
			{
				Name:  "worker",
				Usage: "Run the work queue worker pool.",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "fetch-only", EnvVars: []string{"FETCH_ONLY"}, Usage: "Only claim fetch-* jobs."},
				},
				Action: runWorkers,
			},
			{
				Name:   "webhook",
				Usage:  "Run the CI webhook and requeue endpoint.",
				Action: runWebhook,
			},
			{
				Name:   "init-db",
				Usage:  "Create the database schema.",
				Action: initDB,
			},
			{
				Name:      "process-one",
				Usage:     "Materialise a single submission, bypassing the scheduler.",
				ArgsUsage: "<commitfest-id> <submission-id>",
				Action:    processOne,
			},
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		zap.S().Fatalf("%s", err)
	}
}

// deps bundles the shared clients most subcommands need.
type deps struct {
	cfg   config.Config
	db    *pgxpool.Pool
	http  *httpclient.Client
	cf    *commitfest.Client
	ar    *archive.Client
	ci    *cirrus.Client
	store *builds.Store
}

func buildDeps(c *cli.Context, applicationName string, synchronousCommit bool) (*deps, error) {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return nil, err
	}
	db, err := dbutil.NewPool(c.Context, cfg.DSN, applicationName, synchronousCommit)
	if err != nil {
		return nil, err
	}
	http := httpclient.New(cfg.UserAgent, cfg.Timeout, cfg.SlowFetchSleep)
	cf := commitfest.NewClient(http, cfg.CommitfestHost)
	ar := archive.New(http)
	ci := cirrus.NewClient(http, "")
	return &deps{
		cfg:   cfg,
		db:    db,
		http:  http,
		cf:    cf,
		ar:    ar,
		ci:    ci,
		store: builds.New(cfg, ci, http),
	}, nil
}

// minuteTick is the heart of the robot. Each stage runs even if an earlier
// one failed, so a Commitfest app outage does not stop CI result sweeping,
// and vice versa.
func minuteTick(c *cli.Context) error {
	d, err := buildDeps(c, "cfbot-minute-tick", true)
	if err != nil {
		return err
	}
	defer d.db.Close()

	lock, err := lockfile.Acquire(d.cfg.LockFile)
	if errors.Is(err, lockfile.ErrHeld) {
		zap.S().Infof("another tick is still running, exiting")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	ctx := c.Context
	syncer := commitfest.NewSyncer(d.db, d.cf, d.ar)
	mat := materialize.New(d.cfg, d.db, d.http, d.cf, d.ar)
	site := web.New(d.cfg, d.db)

	var merr *multierror.Error
	active, err := syncer.ActiveCommitfestIDs(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, id := range active {
		if err := syncer.PullSubmissions(ctx, id); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := syncer.PullModifiedThreads(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	err = d.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := d.store.CheckStaleBranches(ctx, tx); err != nil {
			return err
		}
		if err := d.store.CheckStaleBuilds(ctx, tx); err != nil {
			return err
		}
		return d.store.CheckStaleTasks(ctx, tx)
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := mat.MaybeProcessOne(ctx, active); err != nil {
		merr = multierror.Append(merr, err)
	}
	if len(active) > 0 {
		if err := site.RebuildSubmissionPages(ctx, minID(active)); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func hourlyTick(c *cli.Context) error {
	d, err := buildDeps(c, "cfbot-hourly-tick", true)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx := c.Context
	if err := d.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return d.store.RefreshStatistics(ctx, tx)
	}); err != nil {
		return err
	}
	site := web.New(d.cfg, d.db)
	if err := site.RebuildStatisticsPage(ctx); err != nil {
		return err
	}
	return site.RebuildAllHighlightPages(ctx)
}

func dailyTick(c *cli.Context) error {
	d, err := buildDeps(c, "cfbot-daily-tick", true)
	if err != nil {
		return err
	}
	defer d.db.Close()
	return gc.Run(c.Context, d.db, d.cfg)
}

func runWorkers(c *cli.Context) error {
	d, err := buildDeps(c, "cfbot-worker", false)
	if err != nil {
		return err
	}
	defer d.db.Close()

	poster := commitfest.NewPoster(d.cfg, d.http)
	site := web.New(d.cfg, d.db)
	dispatcher := workqueue.Dispatcher{
		workqueue.FetchTaskCommands:   d.store.FetchTaskCommands,
		workqueue.FetchTaskLogs:       d.store.FetchTaskLogs,
		workqueue.IngestTaskLogs:      d.store.IngestTaskLogs,
		workqueue.FetchTaskArtifacts:  d.store.FetchTaskArtifacts,
		workqueue.IngestTaskArtifacts: d.store.IngestTaskArtifacts,
		workqueue.PollStaleBuild:      d.store.PollStaleBuild,
		workqueue.PollStaleBranch: func(ctx context.Context, tx pgx.Tx, key string) error {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "bad branch id %q", key)
			}
			return d.store.PollStaleBranch(ctx, tx, id)
		},
		workqueue.PostTaskStatus:   poster.PostTaskStatus,
		workqueue.PostBranchStatus: poster.PostBranchStatus,
		workqueue.RefreshHighlightPages: func(ctx context.Context, tx pgx.Tx, key string) error {
			return site.RefreshHighlightPages(ctx, key)
		},
	}

	fetchOnly := c.Bool("fetch-only")
	g, ctx := errgroup.WithContext(c.Context)
	for i := 0; i < d.cfg.ConcurrentQueueWorkers; i++ {
		g.Go(func() error {
			return workqueue.NewWorker(d.db, dispatcher, fetchOnly).Run(ctx)
		})
	}
	zap.S().Infof("running %d queue workers (fetch-only: %v)", d.cfg.ConcurrentQueueWorkers, fetchOnly)
	return g.Wait()
}

func runWebhook(c *cli.Context) error {
	d, err := buildDeps(c, "cfbot-webhook", true)
	if err != nil {
		return err
	}
	defer d.db.Close()
	return webhookserver.New(d.cfg, d.db, d.store).ListenAndServe(c.Context)
}

func initDB(c *cli.Context) error {
	d, err := buildDeps(c, "cfbot-init-db", true)
	if err != nil {
		return err
	}
	defer d.db.Close()
	if _, err := d.db.Exec(c.Context, schema.Schema); err != nil {
		return dbutil.WrappedError(err)
	}
	zap.S().Infof("schema applied")
	return nil
}

func processOne(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: cfbot process-one <commitfest-id> <submission-id>")
	}
	commitfestID, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
	if err != nil {
		return errors.Wrap(err, "bad commitfest id")
	}
	submissionID, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
	if err != nil {
		return errors.Wrap(err, "bad submission id")
	}
	d, err := buildDeps(c, "cfbot-process-one", true)
	if err != nil {
		return err
	}
	defer d.db.Close()
	mat := materialize.New(d.cfg, d.db, d.http, d.cf, d.ar)
	return mat.ProcessSubmission(c.Context, commitfestID, submissionID)
}

func minID(ids []int64) int64 {
	min := ids[0]
	for _, id := range ids[1:] {
		if id < min {
			min = id
		}
	}
	return min
}
