// Package cli wires the notesync binary's two extraction engines into a
// pair of cobra subcommands. dx drives the document extractor against a
// Domino-style source into the SQL sink and CAS store; ux pages an
// Entra-style directory and writes the org hierarchy snapshots.
//
// Configuration precedence follows the teacher's pattern: command-line
// flags, then environment variables, with no config file support since
// neither engine has config values a file would meaningfully version
// (everything is either a per-run flag or a deployment secret).
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"notesync.evalgo.org/bridge"
	"notesync.evalgo.org/cas"
	eve "notesync.evalgo.org/common"
	"notesync.evalgo.org/config"
	"notesync.evalgo.org/dx"
	redisq "notesync.evalgo.org/queue/redis"
	"notesync.evalgo.org/storage"
	"notesync.evalgo.org/store"
	"notesync.evalgo.org/telemetry"
	"notesync.evalgo.org/ux"
	"notesync.evalgo.org/version"
	"notesync.evalgo.org/worker"
)

// RootCmd is the notesync binary's entry point, holding dx and ux as
// subcommands.
var RootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "document and directory extraction engines",
	Long: `notesync runs two independent extraction engines:

  dx   pulls documents from a configured Domino-style source, following
       each plan's enabled views, and upserts them into the SQL sink and
       content-addressed attachment store.

  ux   pages users and the manager hierarchy out of an Entra-style
       directory and writes the org snapshot files a viewer reads.

Both read their configuration from environment variables; flags override
the defaults those variables don't cover.`,
}

func init() {
	RootCmd.Version = version.GetModuleVersion()
	RootCmd.AddCommand(dxCmd)
	RootCmd.AddCommand(uxCmd)
	RootCmd.AddCommand(versionCmd)

	dxCmd.Flags().IntSlice("plan", nil, "restrict the run to these plan IDs (repeatable); default runs every enabled plan")
	viper.BindPFlag("dx.plan", dxCmd.Flags().Lookup("plan"))

	uxCmd.Flags().String("managers-file", "", "path to the manager map file; autodetected from the working directory when unset")
	uxCmd.Flags().Int("page-size", 0, "directory page size; overrides PAGE_SIZE when set")
	uxCmd.Flags().String("user-filter", "", "OData $filter applied to the users listing")
	uxCmd.Flags().String("out-dir", "", "directory to write users_flat.json, org_for_viewer.json and org_tree.json into")
	viper.BindPFlag("ux.managers_file", uxCmd.Flags().Lookup("managers-file"))
	viper.BindPFlag("ux.page_size", uxCmd.Flags().Lookup("page-size"))
	viper.BindPFlag("ux.user_filter", uxCmd.Flags().Lookup("user-filter"))
	viper.BindPFlag("ux.out_dir", uxCmd.Flags().Lookup("out-dir"))
}

var dxCmd = &cobra.Command{
	Use:   "dx",
	Short: "run the document extractor against enabled ingestion plans",
	RunE:  runDX,
}

var uxCmd = &cobra.Command{
	Use:   "ux",
	Short: "run the directory extractor and write the org hierarchy snapshots",
	RunE:  runUX,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the module version and the Go toolchain it was built with",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		fmt.Printf("notesync %s (built with %s)\n", version.GetModuleVersion(), info.GoVersion)
		return nil
	},
}

// errNoBridge is returned by the stub SessionOpener wired into dx's
// Orchestrator. A real deployment supplies its own opener backed by
// whatever COM or client binding reaches the document database; nothing
// in this module can do that portably (spec §1).
var errNoBridge = errors.New("dx: no host object bridge configured for this deployment")

func stubSessionOpener(ctx context.Context, serverName, filePath string) (bridge.Database, error) {
	return nil, errNoBridge
}

func runDX(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env := config.NewEnvConfig("")

	connString := env.GetString("DX_DATABASE_URL", "")
	v := config.NewValidator()
	v.RequireString("DX_DATABASE_URL", connString)
	if err := v.Validate(); err != nil {
		return err
	}

	db, err := store.Open(ctx, connString)
	if err != nil {
		return fmt.Errorf("dx: open database: %w", err)
	}
	defer db.Close()

	casRoot := env.GetString("NOTES_CAS_ROOT", defaultCASRoot())
	blobs := cas.NewStore(casRoot)

	if bucket := env.GetString("NOTES_CAS_S3_BUCKET", ""); bucket != "" {
		s3Client, err := storage.NewS3Client(ctx, storage.ClientOptions{
			Region:          env.GetString("NOTES_CAS_S3_REGION", "us-east-1"),
			Endpoint:        env.GetString("NOTES_CAS_S3_ENDPOINT", ""),
			AccessKeyID:     env.GetString("NOTES_CAS_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetString("NOTES_CAS_S3_SECRET_ACCESS_KEY", ""),
		})
		if err != nil {
			return fmt.Errorf("dx: build s3 client: %w", err)
		}
		mirror, err := storage.NewMirror(ctx, s3Client, bucket)
		if err != nil {
			return fmt.Errorf("dx: build s3 mirror: %w", err)
		}
		blobs.Mirror = mirror
	}

	policy := dx.UnknownItemPolicy(env.GetString("DX_UNKNOWN_ITEM_POLICY", string(dx.UnknownItemStore)))

	orch := &dx.Orchestrator{
		Plans:       db,
		Runs:        db,
		Checkpts:    db,
		Batches:     db,
		Upserter:    &dx.Upserter{Store: db, CAS: blobs, Policy: policy},
		OpenSession: stubSessionOpener,
		GetView: func(ctx context.Context, d bridge.Database, name string) (bridge.View, error) {
			return d.GetView(ctx, name)
		},
		ReadDoc:      dx.ReadDocument,
		RunIDFactory: uuid.NewString,
		Metrics:      telemetry.NewMetrics(""),
	}

	planIDs := viper.GetIntSlice("dx.plan")

	if redisURL := env.GetString("DX_QUEUE_REDIS_URL", ""); redisURL != "" {
		return runDXQueued(ctx, orch, redisURL, env, planIDs)
	}

	if len(planIDs) == 0 {
		return orch.RunAll(ctx)
	}
	plans, err := db.ListEnabledPlans(ctx)
	if err != nil {
		return fmt.Errorf("dx: list plans: %w", err)
	}
	wanted := make(map[int64]bool, len(planIDs))
	for _, id := range planIDs {
		wanted[int64(id)] = true
	}
	for _, plan := range plans {
		if !wanted[plan.ID] {
			continue
		}
		if err := orch.RunPlan(ctx, plan); err != nil {
			eve.Logger.WithField("plan_id", plan.ID).WithError(err).Error("dx: plan run failed")
		}
	}
	return nil
}

// runDXQueued enqueues every resolved view of the selected plans onto a
// Redis job queue and drains it with a small worker pool, so views run
// concurrently across independent bridge sessions (spec_full §12.1)
// instead of sequentially within RunPlan.
func runDXQueued(ctx context.Context, orch *dx.Orchestrator, redisURL string, env *config.EnvConfig, planIDs []int) error {
	q, err := redisq.NewQueue(ctx, redisq.Config{RedisURL: redisURL, KeyPrefix: "notesync"})
	if err != nil {
		return fmt.Errorf("dx: connect job queue: %w", err)
	}
	defer q.Close()

	plans, err := orch.Plans.ListEnabledPlans(ctx)
	if err != nil {
		return fmt.Errorf("dx: list plans: %w", err)
	}
	wanted := make(map[int64]bool, len(planIDs))
	for _, id := range planIDs {
		wanted[int64(id)] = true
	}

	for _, plan := range plans {
		if len(wanted) > 0 && !wanted[plan.ID] {
			continue
		}
		db, err := orch.OpenSession(ctx, plan.ServerName, plan.FilePath)
		if err != nil {
			eve.Logger.WithField("plan_id", plan.ID).WithError(err).Error("dx: open session for enqueue failed")
			continue
		}
		sourceID, err := orch.Plans.UpsertSource(ctx, dx.Source{ServerName: plan.ServerName, FilePath: plan.FilePath})
		if err != nil {
			return err
		}
		resolved, diagnostics, err := dx.ResolvePlanViews(ctx, db, plan)
		if err != nil {
			return err
		}
		if diagnostics != "" {
			eve.Logger.WithField("plan_id", plan.ID).Warn(diagnostics)
		}
		if err := dx.EnqueueViewJobs(q, "plan_view", plan, sourceID, resolved, uuid.NewString); err != nil {
			return err
		}
	}

	workers := env.GetInt("DX_QUEUE_WORKERS", 4)
	pool := worker.NewPool(&dx.QueueAdapter{Queue: q}, &dx.QueueProcessor{Orchestrator: orch}, worker.DefaultConfig(workers))
	pool.Start()
	defer pool.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// defaultCASRoot mirrors the original extraction tool's platform
// fallback: Windows deployments keep the blob store under
// %LOCALAPPDATA%, everything else under $HOME.
func defaultCASRoot() string {
	if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
		return dir + string(os.PathSeparator) + "notes_cas"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + string(os.PathSeparator) + "notes_cas"
}

func runUX(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env := config.NewEnvConfig("")

	tenantID := env.GetString("AZ_TENANT_ID", "")
	clientID := env.GetString("AZ_CLIENT_ID", "")
	clientSecret := env.GetString("AZ_CLIENT_SECRET", "")
	v := config.NewValidator()
	v.RequireString("AZ_TENANT_ID", tenantID)
	v.RequireString("AZ_CLIENT_ID", clientID)
	v.RequireString("AZ_CLIENT_SECRET", clientSecret)
	if err := v.Validate(); err != nil {
		return err
	}

	tokens, err := ux.NewClientSecretTokenSource(tenantID, clientID, clientSecret)
	if err != nil {
		return err
	}

	pageSize := viper.GetInt("ux.page_size")
	if pageSize <= 0 {
		pageSize = env.GetInt("PAGE_SIZE", 100)
	}

	client := ux.NewClient(tokens, pageSize)
	client.Metrics = telemetry.NewMetrics("")

	filter := viper.GetString("ux.user_filter")
	if filter == "" {
		filter = env.GetString("USER_FILTER", "")
	}

	users, err := client.FetchAllUsers(ctx, filter)
	if err != nil {
		return fmt.Errorf("ux: fetch users: %w", err)
	}

	managersFile := viper.GetString("ux.managers_file")
	if managersFile == "" {
		managersFile = env.GetString("MANAGERS_FILE", "")
	}

	var managerOf map[string]string
	if path, ok := ux.AutodetectManagersFile(managersFile); ok {
		managerOf, err = ux.LoadManagersFile(path)
		if err != nil {
			return fmt.Errorf("ux: load managers file %s: %w", path, err)
		}
	} else {
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		managerOf, err = client.BatchGetManagers(ctx, ids)
		if err != nil {
			return fmt.Errorf("ux: batch get managers: %w", err)
		}
	}

	roots, flat := ux.BuildHierarchy(users, managerOf)

	outDir := viper.GetString("ux.out_dir")
	if outDir == "" {
		outDir = "."
	}
	if err := ux.WriteOutputs(outDir, users, roots, flat); err != nil {
		return err
	}

	eve.Logger.WithField("users", len(users)).WithField("roots", len(roots)).Info("ux: wrote org hierarchy snapshots")
	return nil
}
