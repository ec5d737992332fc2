// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// queryledger is the command line client for the queryledger service
// control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/queryledger/queryledger/lib/api"
	"github.com/queryledger/queryledger/lib/process"
	"github.com/queryledger/queryledger/lib/service"
	"github.com/queryledger/queryledger/lib/version"
)

const defaultSocket = "/run/queryledger/control.sock"

const usage = `Usage: queryledger [--socket PATH] COMMAND

Commands:
  fetch                      run an ingestion cycle now
  query [filters]            list condensed ledger rows
  summary [--date D]         per-base-domain totals
  ignore add DOMAIN          ignore a domain (and subdomains) in future cycles
  ignore remove DOMAIN       stop ignoring a domain
  ignore list [--search S]   show the ignore list
  purge [selector]           delete stored rows
  status                     service and store status

The socket path may also be set with QUERYLEDGER_SOCKET.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func socketPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("QUERYLEDGER_SOCKET"); env != "" {
		return env
	}
	return defaultSocket
}

func run(args []string) error {
	global := pflag.NewFlagSet("queryledger", pflag.ContinueOnError)
	global.SetInterspersed(false)
	socket := global.String("socket", "", "control socket path")
	showVersion := global.Bool("version", false, "print version and exit")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		version.Print("queryledger")
		return nil
	}

	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("a command is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	path := socketPath(*socket)

	command, rest := rest[0], rest[1:]
	switch command {
	case "fetch":
		return runFetch(ctx, path)
	case "query":
		return runQuery(ctx, path, rest)
	case "summary":
		return runSummary(ctx, path, rest)
	case "ignore":
		return runIgnore(ctx, path, rest)
	case "purge":
		return runPurge(ctx, path, rest)
	case "status":
		return runStatus(ctx, path)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runFetch(ctx context.Context, socket string) error {
	var report api.FetchReport
	request := map[string]string{"action": api.ActionFetch}
	if err := service.Call(ctx, socket, request, &report); err != nil {
		return err
	}
	fmt.Printf("source %s: %d records into %d rows (%d malformed, %d ignored), %d bytes, offset %d\n",
		report.Source, report.Ingested, report.Rows, report.Malformed,
		report.Ignored, report.BytesRead, report.Offset)
	if report.Rotated {
		fmt.Printf("rotation detected; %d records drained from the rotated copy\n", report.DrainedRows)
	}
	if report.Truncated {
		fmt.Println("transfer cap reached; run fetch again to continue")
	}
	return nil
}

func runQuery(ctx context.Context, socket string, args []string) error {
	flags := pflag.NewFlagSet("query", pflag.ContinueOnError)
	req := api.QueryRequest{Action: api.ActionQuery}
	flags.StringVar(&req.Date, "date", "", "exact date (YYYY-MM-DD)")
	flags.StringVar(&req.DateFrom, "from", "", "start date, inclusive")
	flags.StringVar(&req.DateTo, "to", "", "end date, inclusive")
	flags.StringVar(&req.Client, "client", "", "client IP or lease name")
	flags.StringVar(&req.Domain, "domain", "", "domain, exact or with '*' wildcards")
	flags.StringVar(&req.BaseDomain, "base", "", "base domain")
	flags.StringVar(&req.QueryType, "type", "", "query type (A, AAAA, ...)")
	flags.StringVar(&req.Protocol, "protocol", "", "client protocol (empty=plain, doh, dot, ...)")
	flags.Int64Var(&req.CountMin, "count-min", 0, "minimum aggregated count")
	flags.Int64Var(&req.CountMax, "count-max", 0, "maximum aggregated count")
	flags.IntVar(&req.Limit, "limit", 50, "maximum rows (0 for all)")
	filtered := flags.String("filtered", "", "true or false")
	if err := flags.Parse(args); err != nil {
		return err
	}
	switch *filtered {
	case "":
	case "true":
		v := true
		req.Filtered = &v
	case "false":
		v := false
		req.Filtered = &v
	default:
		return fmt.Errorf("--filtered must be true or false")
	}

	var response api.QueryResponse
	if err := service.Call(ctx, socket, req, &response); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tCLIENT\tDOMAIN\tTYPE\tCOUNT\tFILTERED")
	for _, row := range response.Rows {
		client := row.ClientIP
		if row.ClientName != "" {
			client = row.ClientName
		}
		filteredMark := ""
		if row.Filtered {
			filteredMark = row.FilterRule
			if filteredMark == "" {
				filteredMark = "yes"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			row.Date, client, row.Domain, row.QueryType, row.Count, filteredMark)
	}
	return w.Flush()
}

func runSummary(ctx context.Context, socket string, args []string) error {
	flags := pflag.NewFlagSet("summary", pflag.ContinueOnError)
	req := api.SummaryRequest{Action: api.ActionSummary}
	flags.StringVar(&req.Date, "date", "", "restrict to one date (YYYY-MM-DD)")
	flags.IntVar(&req.Limit, "limit", 30, "maximum rows (0 for all)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var response api.SummaryResponse
	if err := service.Call(ctx, socket, req, &response); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BASE DOMAIN\tQUERIES\tDOMAINS\tFILTERED")
	for _, row := range response.Rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", row.BaseDomain, row.Count, row.Domains, row.Filtered)
	}
	return w.Flush()
}

func runIgnore(ctx context.Context, socket string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("ignore needs a subcommand: add, remove, or list")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "add":
		flags := pflag.NewFlagSet("ignore add", pflag.ContinueOnError)
		notes := flags.String("notes", "", "optional note")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		if flags.NArg() != 1 {
			return fmt.Errorf("ignore add needs exactly one domain")
		}
		req := api.IgnoreRequest{
			Action: api.ActionIgnoreAdd,
			Domain: flags.Arg(0),
			Notes:  *notes,
		}
		if err := service.Call(ctx, socket, req, nil); err != nil {
			return err
		}
		fmt.Printf("ignoring %s and its subdomains (existing rows kept; use purge to remove them)\n", req.Domain)
		return nil

	case "remove":
		if len(rest) != 1 {
			return fmt.Errorf("ignore remove needs exactly one domain")
		}
		req := api.IgnoreRequest{Action: api.ActionIgnoreRemove, Domain: rest[0]}
		if err := service.Call(ctx, socket, req, nil); err != nil {
			return err
		}
		fmt.Printf("no longer ignoring %s\n", rest[0])
		return nil

	case "list":
		flags := pflag.NewFlagSet("ignore list", pflag.ContinueOnError)
		search := flags.String("search", "", "only domains containing this text")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		var response api.IgnoreListResponse
		request := api.IgnoreListRequest{Action: api.ActionIgnoreList, Search: *search}
		if err := service.Call(ctx, socket, request, &response); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tADDED\tNOTES")
		for _, entry := range response.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Domain, entry.AddedAt, entry.Notes)
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown ignore subcommand %q", sub)
	}
}

func runPurge(ctx context.Context, socket string, args []string) error {
	flags := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	req := api.PurgeRequest{Action: api.ActionPurge}
	flags.StringVar(&req.Domain, "domain", "", "delete rows for this exact domain")
	flags.StringVar(&req.BaseDomain, "base", "", "delete rows for this base domain")
	flags.StringVar(&req.Before, "before", "", "delete rows dated before YYYY-MM-DD")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var response api.PurgeResponse
	if err := service.Call(ctx, socket, req, &response); err != nil {
		return err
	}
	fmt.Printf("deleted %d rows\n", response.Deleted)
	return nil
}

func runStatus(ctx context.Context, socket string) error {
	var status api.StatusResponse
	request := map[string]string{"action": api.ActionStatus}
	if err := service.Call(ctx, socket, request, &status); err != nil {
		return err
	}
	fmt.Printf("source:        %s\n", status.Source)
	fmt.Printf("cursor offset: %d\n", status.CursorOffset)
	if status.LastFetchAt != "" {
		fmt.Printf("last fetch:    %s\n", status.LastFetchAt)
	}
	fmt.Printf("ledger rows:   %d (%d queries, %d domains, %d days)\n",
		status.Rows, status.TotalQueries, status.Domains, status.Days)
	fmt.Printf("ignore list:   %d entries\n", status.Ignored)
	fmt.Printf("database size: %d bytes\n", status.DatabaseBytes)
	fmt.Printf("version:       %s\n", status.Version)
	return nil
}
