package validator

import (
	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/cmdutil"
	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	Cmd = cobra.Command{
		Use:   "validator",
		Short: "Ephemeral validator tools",
	}

	demoCmd = cobra.Command{
		Use:   "demo",
		Short: "Run the delegation lifecycle against an in-process base bank",
		Run:   runDemo,
	}

	accountsDir string
	autoCommit  bool
	serve       bool
)

func init() {
	demoCmd.Flags().StringVar(&accountsDir, "accounts-dir", "", "Keep base bank accounts in a pebble database at this path")
	demoCmd.Flags().BoolVar(&autoCommit, "auto-commit", true, "Commit delegated accounts at their commit frequency while serving")
	demoCmd.Flags().BoolVar(&serve, "serve", false, "Keep the validator running after the walkthrough")

	Cmd.AddCommand(&demoCmd)
}

func runDemo(c *cobra.Command, _ []string) {
	cfg, err := cmdutil.LoadConfig(c)
	if err != nil {
		klog.Exitf("%s", err)
	}
	if c.Flags().Changed("accounts-dir") {
		cfg.Validator.AccountsDir = accountsDir
	}
	if c.Flags().Changed("auto-commit") {
		cfg.Validator.AutoCommit = autoCommit
	}
	if err = cmdutil.ApplyEnv(&cfg); err != nil {
		klog.Exitf("%s", err)
	}

	var backend accounts.Accounts = accounts.NewMemAccounts()
	if cfg.Validator.AccountsDir != "" {
		db, err := accounts.CreateNewAccountsDb(cfg.Validator.AccountsDir)
		if err != nil {
			klog.Exitf("opening accounts db: %s", err)
		}
		defer db.Close()
		backend = db
		klog.Infof("base bank accounts stored in %s", cfg.Validator.AccountsDir)
	}

	ctx := c.Context()
	reg := prometheus.NewRegistry()
	m := metrics.NewValidatorMetrics(reg)

	res, err := RunDemo(ctx, backend, cfg.Validator, m)
	if err != nil {
		klog.Errorf("demo failed: %s", err)
		return
	}
	klog.Infof("counter: committed %d, final %d, owner %s", res.CommittedCount, res.FinalCount, res.CounterOwner)
	for _, line := range res.SampleLogs {
		klog.Info(line)
	}
	if !serve {
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return res.Validator.Run(ctx) })
	if cfg.MetricsAddr != "" {
		group.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, reg) })
	}
	klog.Infof("validator %s serving", res.Validator.Identity())
	if err = group.Wait(); err != nil {
		klog.Errorf("validator: %s", err)
	}
}
