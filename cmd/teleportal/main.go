// Package main launches a teleportal node, the server side of the document
// synchronization protocol: clients connect over websockets, exchange CRDT
// updates, and the node persists, acknowledges and replicates them.
package main

import (
	"os"

	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/teleportal-io/teleportal/cmd/teleportal/flags"
	"github.com/teleportal-io/teleportal/node"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.VerbosityFlag,
	flags.LogFormatFlag,
	flags.DataDirFlag,
	flags.WSAddrFlag,
	flags.MonitoringAddrFlag,
	flags.DisableMonitoringFlag,
	flags.NodeIDFlag,
	flags.NATSURLFlag,
	flags.MaxMessageSizeFlag,
	flags.RateRuleFlag,
	flags.BurstRateFlag,
	flags.BatchWaitFlag,
	flags.IdleTimeoutFlag,
	flags.SessionGraceFlag,
	flags.MilestoneEveryFlag,
}

func startNode(cliCtx *cli.Context) error {
	n, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	n.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "teleportal"
	app.Usage = "launches a teleportal document synchronization node"
	app.Flags = appFlags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		switch format := ctx.String(flags.LogFormatFlag.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		default:
			return cli.Exit("unknown log format "+format, 1)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
