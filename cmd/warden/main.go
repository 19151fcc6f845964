// Command warden is the local automation gatekeeper: it schedules task
// plans, routes every risky action through human confirmation, and keeps a
// verifiable audit trail.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/akarpov/warden/internal/config"
	"github.com/akarpov/warden/internal/daemon"
	"github.com/akarpov/warden/internal/logger"
	"github.com/akarpov/warden/internal/notify"
	"github.com/akarpov/warden/internal/setup"
	"github.com/akarpov/warden/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "pending":
		runPending(os.Args[2:])
	case "approve":
		runRespond(os.Args[2:], true)
	case "deny":
		runRespond(os.Args[2:], false)
	case "history":
		runHistory(os.Args[2:])
	case "plans":
		runPlans(os.Args[2:])
	case "plan":
		runPlanShow(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("warden %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig resolves the config file: --config flag, WARDEN_CONFIG env,
// then <home>/warden.yaml if present.
func loadConfig(args []string) (*config.Config, []string) {
	path := os.Getenv("WARDEN_CONFIG")
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			path = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if path == "" {
		candidate := filepath.Join(config.DefaultHomeDir(), "warden.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, rest
}

func runInit(args []string) {
	home := config.DefaultHomeDir()
	if len(args) > 0 {
		home = args[0]
	}
	path, err := setup.Run(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized warden home at %s\n", filepath.Dir(path))
}

func runDaemon(args []string) {
	cfg, _ := loadConfig(args)

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	d, err := daemon.New(cfg, nil, log.SugaredLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	cfg, rest := loadConfig(args)

	wait := false
	var words []string
	for _, a := range rest {
		if a == "--wait" {
			wait = true
			continue
		}
		words = append(words, a)
	}
	goal := strings.Join(words, " ")
	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: warden submit [--wait] <goal>")
		os.Exit(1)
	}

	client := newClient(cfg)
	if wait {
		// A waiting submit spans every confirmation round-trip in the plan.
		client.SetTimeout(10 * time.Minute)
	}
	send(client, "submit_goal", map[string]any{
		"goal": goal,
		"wait": wait,
	})
}

func runPending(args []string) {
	cfg, _ := loadConfig(args)
	send(newClient(cfg), "pending", nil)
}

func runRespond(args []string, approved bool) {
	cfg, rest := loadConfig(args)

	resolver := ""
	var ids []string
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--by" && i+1 < len(rest) {
			resolver = rest[i+1]
			i++
			continue
		}
		ids = append(ids, rest[i])
	}
	if len(ids) != 1 {
		verb := "approve"
		if !approved {
			verb = "deny"
		}
		fmt.Fprintf(os.Stderr, "usage: warden %s <request_id> [--by name]\n", verb)
		os.Exit(1)
	}

	command := "deny"
	if approved {
		command = "approve"
	}
	send(newClient(cfg), command, map[string]any{
		"request_id": ids[0],
		"resolver":   resolver,
	})
}

func runHistory(args []string) {
	cfg, rest := loadConfig(args)
	send(newClient(cfg), "history", map[string]any{"limit": parseLimit(rest)})
}

func runPlans(args []string) {
	cfg, _ := loadConfig(args)
	send(newClient(cfg), "plans", nil)
}

func runPlanShow(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: warden plan <plan_id>")
		os.Exit(1)
	}
	send(newClient(cfg), "plan", map[string]any{"plan_id": rest[0]})
}

func runCancel(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: warden cancel <plan_id> [reason]")
		os.Exit(1)
	}
	params := map[string]any{"plan_id": rest[0]}
	if len(rest) > 1 {
		params["reason"] = strings.Join(rest[1:], " ")
	}
	send(newClient(cfg), "cancel", params)
}

func runAudit(args []string) {
	cfg, rest := loadConfig(args)
	send(newClient(cfg), "audit", map[string]any{"limit": parseLimit(rest)})
}

func runVerify(args []string) {
	cfg, _ := loadConfig(args)
	send(newClient(cfg), "verify", nil)
}

func runStatus(args []string) {
	cfg, _ := loadConfig(args)
	send(newClient(cfg), "status", nil)
}

func runStop(args []string) {
	cfg, _ := loadConfig(args)
	send(newClient(cfg), "shutdown", nil)
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], strings.Join(args[1:], " ")); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

func newClient(cfg *config.Config) *uds.Client {
	return uds.NewClient(cfg.Daemon.SocketPath)
}

func send(client *uds.Client, command string, params any) {
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func parseLimit(args []string) int {
	limit := 50
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
				limit = n
			}
			i++
		}
	}
	return limit
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `warden %s - gatekeeping core for local automation

Usage: warden <command> [options]

Daemon:
  init [dir]                   Initialize the warden home directory
  daemon [--config path]       Run the warden daemon
  status                       Show daemon status
  stop                         Request graceful shutdown

Plans:
  submit [--wait] <goal>       Decompose a goal and run the plan
  plans                        List plan summaries
  plan <plan_id>               Export one plan as JSON
  cancel <plan_id> [reason]    Cancel a plan

Confirmations:
  pending                      List pending confirmation requests
  approve <request_id> [--by name]   Approve a request
  deny <request_id> [--by name]      Deny a request
  history [--limit n]          Show resolved requests

Audit:
  audit [--limit n]            Show recent audit entries
  verify                       Check protected files and audit checksums

Utilities:
  notify <title> <msg>         Send a desktop notification
  version                      Show version
  help                         Show this help

`, version)
}
