package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"

	"github.com/MCore-Services-bv/teamleader-go/lib"
	"github.com/MCore-Services-bv/teamleader-go/lib/logger"
	"github.com/MCore-Services-bv/teamleader-go/ratelimit"
	"github.com/MCore-Services-bv/teamleader-go/teamleader"
)

func main() {
	logger.Init()
	app := kingpin.New("teamleader-status", "Inspects the state of a Teamleader Focus API client.")

	app.Command("configure", "Prints an example .TOML configuration file.")
	app.Command("version", "Prints teamleader-status version and exits.")

	statusCmd := app.Command("status", "Prints authentication state and rate limiter statistics.")
	path := statusCmd.Flag("config", "TOML config file path").
		Short('c').
		Default("/etc/teamleader.toml").
		String()
	debug := statusCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selectedCmd {
	case "configure":
		fmt.Print(teamleader.ExampleConfig())
	case "version":
		lib.PrintVersion(app.Name, Version, Gitref)
	case "status":
		if err := run(*path, *debug); err != nil {
			lib.Bail(err)
		}
	}
}

func run(configPath string, debug bool) error {
	conf, err := teamleader.LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	logConfig := conf.Log
	if debug {
		logConfig.Severity = "debug"
	}
	if err = logger.Setup(logConfig); err != nil {
		return trace.Wrap(err)
	}

	client, err := teamleader.NewClient(*conf)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx := context.Background()
	authenticated := client.IsAuthenticated(ctx)
	stats := client.Stats()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Property", "Value"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.AppendBulk(statusRows(authenticated, stats))
	table.Render()

	if !authenticated && conf.Teamleader.RedirectURL != "" {
		authURL, err := client.AuthorizationURL("")
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("\nNot authenticated. Visit the URL below to grant access:\n%s\n", authURL)
	}
	return nil
}

// statusRows formats the status table. UsagePercentage and
// SecondsUntilReset already carry display-ready units.
func statusRows(authenticated bool, stats ratelimit.Stats) [][]string {
	return [][]string{
		{"Authenticated", strconv.FormatBool(authenticated)},
		{"Requests in window", strconv.Itoa(stats.RequestsMade)},
		{"Remaining", strconv.Itoa(stats.Remaining)},
		{"Usage", fmt.Sprintf("%.1f%%", stats.UsagePercentage)},
		{"Window resets in", fmt.Sprintf("%.1fs", stats.SecondsUntilReset)},
	}
}
