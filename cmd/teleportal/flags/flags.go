// Package flags defines the teleportal node's command line flags.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal)",
		Value: "info",
	}
	// LogFormatFlag sets the log output format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format, either text or json",
		Value: "text",
	}
	// DataDirFlag is the bolt database directory. Empty selects the
	// in-memory store.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the document database; empty runs in memory",
	}
	// WSAddrFlag is the websocket listen address.
	WSAddrFlag = &cli.StringFlag{
		Name:  "ws-addr",
		Usage: "host:port to serve the websocket sync endpoint on",
		Value: ":4040",
	}
	// MonitoringAddrFlag is the monitoring HTTP listen address.
	MonitoringAddrFlag = &cli.StringFlag{
		Name:  "monitoring-addr",
		Usage: "host:port to serve health, metrics and status on",
		Value: ":8080",
	}
	// DisableMonitoringFlag turns the monitoring endpoints off.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable the monitoring HTTP endpoints",
	}
	// NodeIDFlag overrides the node's replication identity.
	NodeIDFlag = &cli.StringFlag{
		Name:  "node-id",
		Usage: "Replication source identity; defaults to a random id",
	}
	// NATSURLFlag enables cross-node replication through NATS.
	NATSURLFlag = &cli.StringFlag{
		Name:  "nats-url",
		Usage: "NATS server URL for cross-node replication; empty runs single-node",
	}
	// MaxMessageSizeFlag caps inbound frame size.
	MaxMessageSizeFlag = &cli.Uint64Flag{
		Name:  "max-message-size",
		Usage: "Maximum inbound frame size in bytes; 0 disables the cap",
		Value: 1 << 20,
	}
	// RateRuleFlag declares a rate rule; repeatable.
	RateRuleFlag = &cli.StringSliceFlag{
		Name:  "rate-rule",
		Usage: "Rate rule as <id>:<track-by>:<max>/<window>, e.g. doc-writes:user-document:120/1m",
	}
	// BurstRateFlag caps raw inbound frames per second per client.
	BurstRateFlag = &cli.Float64Flag{
		Name:  "burst-rate",
		Usage: "Raw frames per second allowed per client before rule evaluation; 0 disables",
	}
	// BatchWaitFlag is the storage write batching window.
	BatchWaitFlag = &cli.DurationFlag{
		Name:  "batch-wait",
		Usage: "How long storage writes may be batched before a flush",
		Value: 100 * time.Millisecond,
	}
	// IdleTimeoutFlag disconnects silent clients.
	IdleTimeoutFlag = &cli.DurationFlag{
		Name:  "idle-timeout",
		Usage: "Disconnect clients that send nothing for this long",
		Value: 5 * time.Minute,
	}
	// SessionGraceFlag keeps empty document sessions warm.
	SessionGraceFlag = &cli.DurationFlag{
		Name:  "session-grace",
		Usage: "How long an empty document session stays open awaiting reconnects",
		Value: 30 * time.Second,
	}
	// MilestoneEveryFlag snapshots documents every N accepted updates.
	MilestoneEveryFlag = &cli.Uint64Flag{
		Name:  "milestone-every",
		Usage: "Create a milestone every N accepted updates on new documents; 0 disables",
	}
)
