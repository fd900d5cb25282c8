package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/cmdutil"
	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/llmoracle"
	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/pricefeed"
	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/validator"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var cmd = cobra.Command{
	Use:   "ephemeral",
	Short: "Ephemeral rollup validator and oracle relayers",
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	cmd.PersistentFlags().String(cmdutil.ConfigFlag, "", "Path to a YAML config file")

	cmd.AddCommand(
		&validator.Cmd,
		&pricefeed.Cmd,
		&llmoracle.Cmd,
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cobra.CheckErr(cmd.ExecuteContext(ctx))
}
