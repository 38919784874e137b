package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jmapd/jmapd/internal/server"
	"github.com/jmapd/jmapd/pkg/mlog"
	"github.com/judwhite/go-svc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverOpts = server.NewOptions()
	mode       string
	rootCmd    = &cobra.Command{
		Use:   "jmapd",
		Short: "jmapd, a replicated JMAP mail server.",
		Long:  `jmapd, a replicated JMAP mail server. Nodes gossip membership and replicate the mail store through a raft-style change log.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			initServer()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "debug", "mode")

	rootCmd.AddCommand(newStartCMD().CMD())
	rootCmd.AddCommand(newStopCMD().CMD())
}

func initConfig() {
	vp := viper.New()
	if cfgFile != "" {
		vp.SetConfigFile(cfgFile)
		if err := vp.ReadInConfig(); err == nil {
			fmt.Println("Using config file:", vp.ConfigFileUsed())
		}
	}

	vp.SetEnvPrefix("jmapd")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	serverOpts.ConfigureWithViper(vp)
	vp.BindPFlags(rootCmd.Flags())
}

func initServer() {
	logOpts := mlog.NewOptions()
	logOpts.Level = serverOpts.Logger.Level
	logOpts.LogDir = serverOpts.Logger.Dir
	logOpts.LineNum = serverOpts.Logger.LineNum
	mlog.Configure(logOpts)

	s := server.New(serverOpts)

	if err := svc.Run(s); err != nil {
		log.Fatal(err)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
