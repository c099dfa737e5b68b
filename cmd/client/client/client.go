// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package client implements a CLI for administering llmquota plans and inspecting usage.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/square/llmquota"
	qsclient "github.com/square/llmquota/client"
	qshttp "github.com/square/llmquota/rpc/http"
)

const requestTimeout = 10 * time.Second

type cli struct {
	app     *kingpin.Application
	verbose *bool
	server  *string
	out     io.Writer

	// create
	create       *kingpin.CmdClause
	createType   *string
	createID     *string
	createTenant *string
	createModels *[]string
	createInput  *int64
	createOutput *int64
	createRPM    *int64
	createLimits *[]string
	createFile   *string

	// revoke
	revoke     *kingpin.CmdClause
	revokeType *string
	revokeID   *string

	// list
	list       *kingpin.CmdClause
	listTenant *string

	// check
	check          *kingpin.CmdClause
	checkType      *string
	checkID        *string
	checkModel     *string
	checkText      *string
	checkMaxOutput *int64

	// usage
	usage       *kingpin.CmdClause
	usageTenant *string
	usageStart  *int64
	usageEnd    *int64

	// stats
	stats       *kingpin.CmdClause
	statsTenant *string
}

func newCLI(out io.Writer) *cli {
	c := &cli{app: kingpin.New("llmquota-cli", "The llmquota CLI tool."), out: out}
	c.verbose = c.app.Flag("verbose", "Verbose output").Short('v').Default("false").Bool()
	c.server = c.app.Flag("server", "Server URL").Short('s').Default("http://localhost:8080").String()

	c.create = c.app.Command("create", "Creates an active plan for an entity.")
	c.createType = c.create.Arg("type", "Entity type: USER, API_KEY, SERVICE, DEPARTMENT or PROJECT.").Required().String()
	c.createID = c.create.Arg("id", "Entity id. API keys are hashed by the server.").Required().String()
	c.createTenant = c.create.Flag("tenant", "Tenant owning the plan.").Short('t').String()
	c.createModels = c.create.Flag("model", "Permitted model, repeatable. Defaults to all.").Short('m').Strings()
	c.createInput = c.create.Flag("input", "Input tokens per minute.").Int64()
	c.createOutput = c.create.Flag("output", "Output tokens per minute.").Int64()
	c.createRPM = c.create.Flag("rpm", "Requests per minute.").Int64()
	c.createLimits = c.create.Flag("model-limit", "Per-model override, model=input,output,rpm. Repeatable.").Strings()
	c.createFile = c.create.Flag("file", "Read the plan as JSON from a file, - for STDIN.").Short('f').String()

	c.revoke = c.app.Command("revoke", "Deactivates the plan of an entity.")
	c.revokeType = c.revoke.Arg("type", "Entity type.").Required().String()
	c.revokeID = c.revoke.Arg("id", "Entity id.").Required().String()

	c.list = c.app.Command("list", "Lists the plans of a tenant.")
	c.listTenant = c.list.Arg("tenant", "Tenant id.").Required().String()

	c.check = c.app.Command("check", "Checks a request against an entity's plan.")
	c.checkType = c.check.Arg("type", "Entity type.").Required().String()
	c.checkID = c.check.Arg("id", "Entity id.").Required().String()
	c.checkModel = c.check.Arg("model", "Model id.").Required().String()
	c.checkText = c.check.Flag("text", "Request text.").Default("").String()
	c.checkMaxOutput = c.check.Flag("max-output", "Output token ceiling.").Int64()

	c.usage = c.app.Command("usage", "Shows the ledger records of a tenant.")
	c.usageTenant = c.usage.Arg("tenant", "Tenant id.").Required().String()
	c.usageStart = c.usage.Flag("start", "Range start, unix seconds. Defaults to an hour before end.").Int64()
	c.usageEnd = c.usage.Flag("end", "Range end, unix seconds. Defaults to now.").Int64()

	c.stats = c.app.Command("stats", "Shows the most admitted and most denied entities of a tenant.")
	c.statsTenant = c.stats.Arg("tenant", "Tenant id.").Required().String()
	return c
}

// RunClient runs the CLI, exiting on any error.
func RunClient(args []string) {
	kingpin.FatalIfError(Run(args, os.Stdout, os.Stdin), "llmquota-cli")
}

// Run parses args and runs the selected command, printing results as JSON to out. stdin is read
// by create --file -.
func Run(args []string, out io.Writer, stdin io.Reader) error {
	c := newCLI(out)
	cmd, err := c.app.Parse(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	c.logf("Connecting to %v\n", *c.server)
	api := qsclient.New(*c.server, nil)

	switch cmd {
	case c.create.FullCommand():
		return c.doCreate(ctx, api, stdin)
	case c.revoke.FullCommand():
		return c.doRevoke(ctx, api)
	case c.list.FullCommand():
		plans, err := api.ListPlans(ctx, *c.listTenant)
		if err != nil {
			return err
		}
		return c.print(plans)
	case c.check.FullCommand():
		return c.doCheck(ctx, api)
	case c.usage.FullCommand():
		recs, err := api.QueryUsage(ctx, *c.usageTenant, *c.usageStart, *c.usageEnd)
		if err != nil {
			return err
		}
		return c.print(recs)
	case c.stats.FullCommand():
		top, err := api.TopStats(ctx, *c.statsTenant)
		if err != nil {
			return err
		}
		return c.print(top)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *cli) doCreate(ctx context.Context, api *qsclient.Client, stdin io.Reader) error {
	t, err := llmquota.ParseEntityType(*c.createType)
	if err != nil {
		return err
	}

	plan := &llmquota.UsagePlan{}
	if *c.createFile != "" {
		if err := readPlan(*c.createFile, stdin, plan); err != nil {
			return err
		}
	}
	plan.EntityID, plan.EntityType = *c.createID, t
	if *c.createTenant != "" {
		plan.TenantID = *c.createTenant
	}
	if len(*c.createModels) > 0 {
		plan.ModelPermissions = *c.createModels
	}
	if plan.DefaultLimits == (llmquota.RateLimits{}) {
		plan.DefaultLimits = llmquota.DefaultRateLimits
	}
	if *c.createInput != 0 {
		plan.DefaultLimits.InputTokensPerMinute = *c.createInput
	}
	if *c.createOutput != 0 {
		plan.DefaultLimits.OutputTokensPerMinute = *c.createOutput
	}
	if *c.createRPM != 0 {
		plan.DefaultLimits.RequestsPerMinute = *c.createRPM
	}
	for _, arg := range *c.createLimits {
		model, limits, err := parseModelLimit(arg)
		if err != nil {
			return err
		}
		if plan.ModelLimits == nil {
			plan.ModelLimits = make(map[string]llmquota.RateLimits)
		}
		plan.ModelLimits[model] = limits
	}

	c.logf("Creating plan %v\n", plan)
	created, err := api.CreatePlan(ctx, plan)
	if err != nil {
		return err
	}
	return c.print(created)
}

func (c *cli) doRevoke(ctx context.Context, api *qsclient.Client) error {
	t, err := llmquota.ParseEntityType(*c.revokeType)
	if err != nil {
		return err
	}
	revoked, err := api.Revoke(ctx, *c.revokeID, t)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("no plan for %v", llmquota.PlanKey(llmquota.NormalizeEntityID(*c.revokeID, t), t))
	}
	return c.print(&qshttp.RevokeResponse{Revoked: true})
}

func (c *cli) doCheck(ctx context.Context, api *qsclient.Client) error {
	t, err := llmquota.ParseEntityType(*c.checkType)
	if err != nil {
		return err
	}
	res, err := api.Check(ctx, &qshttp.CheckRequest{
		Entity:          qshttp.Entity{EntityID: *c.checkID, EntityType: t},
		Model:           *c.checkModel,
		Text:            *c.checkText,
		MaxOutputTokens: *c.checkMaxOutput})
	if err != nil {
		return err
	}
	return c.print(res)
}

// parseModelLimit parses model=input,output,rpm.
func parseModelLimit(arg string) (string, llmquota.RateLimits, error) {
	model, values, ok := strings.Cut(arg, "=")
	parts := strings.Split(values, ",")
	if !ok || model == "" || len(parts) != 3 {
		return "", llmquota.RateLimits{}, fmt.Errorf("model limit %q is not model=input,output,rpm", arg)
	}

	var n [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return "", llmquota.RateLimits{}, fmt.Errorf("model limit %q: %w", arg, err)
		}
		n[i] = v
	}
	return model, llmquota.RateLimits{InputTokensPerMinute: n[0], OutputTokensPerMinute: n[1], RequestsPerMinute: n[2]}, nil
}

func readPlan(f string, stdin io.Reader, plan *llmquota.UsagePlan) error {
	var b []byte
	var err error
	if f == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(f)
	}
	if err != nil {
		return fmt.Errorf("could not read plan from %v: %w", f, err)
	}
	if err := json.Unmarshal(b, plan); err != nil {
		return fmt.Errorf("plan read from %v isn't valid JSON: %w", f, err)
	}
	return nil
}

func (c *cli) print(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

// logs to stderr if verbose
func (c *cli) logf(format string, a ...interface{}) {
	if *c.verbose {
		fmt.Fprintf(os.Stderr, format, a...)
	}
}
