package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/956zs/discord-embed-app-sub001/pkg/api/client"
	"github.com/956zs/discord-embed-app-sub001/pkg/telemetry"
)

type cliConfig struct {
	APIBaseURL   string    `json:"api_base_url"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

const defaultAPIBase = "http://localhost:4000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "health":
		err = commandHealth(args)
	case "alerts":
		err = commandAlerts(args)
	case "stats":
		err = commandStats(args)
	case "rollup":
		err = commandRollup(args)
	case "emit":
		err = commandEmit(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Operator token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("operator token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	session, err := client.IssueSession(ctx, secret)
	if err != nil {
		return err
	}
	cfg.SessionToken = session.Token
	cfg.ExpiresAt = session.ExpiresAt
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("login successful, session expires %s\n", session.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	raw := fs.Bool("json", false, "Print the raw JSON snapshot")
	fs.Parse(args)

	client, _, err := newClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	if *raw {
		return printJSON(health)
	}
	fmt.Printf("status: %s (uptime %s)\n", health.Status, time.Duration(health.Uptime)*time.Second)
	for _, name := range []string{"database", "discordBot"} {
		var section struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(health.Services[name], &section); err == nil {
			line := fmt.Sprintf("  %-11s %s", name, section.Status)
			if section.Error != "" {
				line += " (" + section.Error + ")"
			}
			fmt.Println(line)
		}
	}
	fmt.Printf("active alerts: %d\n", health.Alerts.Count)
	for _, a := range health.Alerts.Active {
		fmt.Printf("  [%s] %s x%d %s\n", a.Severity, a.DedupKey, a.Occurrences, a.Message)
	}
	return nil
}

func commandAlerts(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: embedctl alerts <list|resolve|config>")
	}
	switch args[0] {
	case "list":
		return alertsList(args[1:])
	case "resolve":
		return alertsResolve(args[1:])
	case "config":
		return alertsConfig(args[1:])
	default:
		return fmt.Errorf("unknown alerts subcommand: %s", args[0])
	}
}

func alertsList(args []string) error {
	fs := flag.NewFlagSet("alerts list", flag.ExitOnError)
	status := fs.String("status", "active", "Filter by status (active|resolved|all)")
	limit := fs.Int("limit", 50, "Maximum alerts to return")
	fs.Parse(args)

	client, _, err := newClient(true)
	if err != nil {
		return err
	}
	filter := *status
	if filter == "all" {
		filter = ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	alerts, err := client.ListAlerts(ctx, filter, *limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("%s\t%s\t%s\t%s\tx%d\t%s\n", a.ID, a.Severity, a.Status, a.DedupKey, a.Occurrences, a.LastTriggeredAt.Local().Format(time.RFC3339))
	}
	return nil
}

func alertsResolve(args []string) error {
	fs := flag.NewFlagSet("alerts resolve", flag.ExitOnError)
	id := fs.String("id", "", "Alert ID")
	by := fs.String("by", "", "Resolver recorded on the alert")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, _, err := newClient(true)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resolved, err := client.ResolveAlert(ctx, *id, *by)
	if err != nil {
		return err
	}
	fmt.Printf("alert %s resolved by %s\n", resolved.ID, resolved.ResolvedBy)
	return nil
}

func alertsConfig(args []string) error {
	fs := flag.NewFlagSet("alerts config", flag.ExitOnError)
	warn := fs.Int64("warn-ms", -1, "Slow request WARN threshold in ms")
	errMS := fs.Int64("error-ms", -1, "Slow request ERROR threshold in ms")
	rate := fs.Float64("error-rate", -1, "Error rate threshold in [0,1]")
	fs.Parse(args)

	client, _, err := newClient(true)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	current, err := client.GetThresholds(ctx)
	if err != nil {
		return err
	}
	changed := false
	if *warn >= 0 {
		current.SlowRequest.WarnThresholdMS = *warn
		current.SlowRequest.Enabled = true
		changed = true
	}
	if *errMS >= 0 {
		current.SlowRequest.ErrorThresholdMS = *errMS
		current.SlowRequest.Enabled = true
		changed = true
	}
	if *rate >= 0 {
		current.ErrorRate.Threshold = *rate
		current.ErrorRate.Enabled = true
		changed = true
	}
	if changed {
		if current, err = client.SetThresholds(ctx, current); err != nil {
			return err
		}
	}
	return printJSON(current)
}

func commandStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	guild := fs.String("guild", "", "Guild ID")
	from := fs.String("from", "", "First date (YYYY-MM-DD)")
	to := fs.String("to", "", "Last date (YYYY-MM-DD)")
	fs.Parse(args)
	if strings.TrimSpace(*guild) == "" {
		return errors.New("--guild is required")
	}

	client, _, err := newClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stats, err := client.Stats(ctx, *guild, *from, *to)
	if err != nil {
		return err
	}
	for _, s := range stats {
		fmt.Printf("%s\tevents=%d\tactive_users=%d\n", s.Date, s.TotalEvents, s.ActiveUsers)
	}
	return nil
}

func commandRollup(args []string) error {
	fs := flag.NewFlagSet("rollup", flag.ExitOnError)
	date := fs.String("date", "", "Date to aggregate (YYYY-MM-DD)")
	guilds := fs.String("guilds", "", "Comma separated guild IDs")
	fs.Parse(args)
	if strings.TrimSpace(*date) == "" {
		return errors.New("--date is required")
	}

	client, _, err := newClient(true)
	if err != nil {
		return err
	}
	var ids []string
	for _, g := range strings.Split(*guilds, ",") {
		if g = strings.TrimSpace(g); g != "" {
			ids = append(ids, g)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	report, err := client.RunRollup(ctx, *date, ids)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d guild(s) failed", report.Failed)
	}
	return nil
}

// commandEmit sends a synthetic event through the ingest endpoint, useful
// to verify bot connectivity and the ingest token.
func commandEmit(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	kind := fs.String("kind", "message", "Event kind")
	guild := fs.String("guild", "", "Guild ID")
	channel := fs.String("channel", "", "Channel ID")
	user := fs.String("user", "", "User ID")
	ingest := fs.String("ingest-token", os.Getenv("INGEST_TOKEN"), "Ingest token (default $INGEST_TOKEN)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	emitter, err := telemetry.NewEmitter(cfg.APIBaseURL, *ingest, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := emitter.Emit(ctx, telemetry.Event{Kind: *kind, GuildID: *guild, ChannelID: *channel, UserID: *user}); err != nil {
		return err
	}
	fmt.Println("event accepted")
	return nil
}

func newClient(requireSession bool) (*apiclient.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cliConfig{}, err
	}
	token := strings.TrimSpace(cfg.SessionToken)
	if env := strings.TrimSpace(os.Getenv("OPERATOR_TOKEN")); env != "" {
		token = env
	}
	if requireSession && token == "" {
		return nil, cfg, errors.New("please login first using 'embedctl login'")
	}
	if requireSession && token == cfg.SessionToken && !cfg.ExpiresAt.IsZero() && time.Now().After(cfg.ExpiresAt) {
		return nil, cfg, errors.New("session expired, run 'embedctl login' again")
	}
	client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithToken(token))
	return client, cfg, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "embedctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("embedctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	embedctl login [--token <operator-token>] [--api http://localhost:4000]
	embedctl health [--json]
	embedctl alerts list [--status active|resolved|all] [--limit N]
	embedctl alerts resolve --id <alert-id> [--by name]
	embedctl alerts config [--warn-ms N] [--error-ms N] [--error-rate F]
	embedctl stats --guild <guild-id> [--from YYYY-MM-DD] [--to YYYY-MM-DD]
	embedctl rollup --date YYYY-MM-DD [--guilds G1,G2]
	embedctl emit --guild <guild-id> [--kind message] [--channel id] [--user id] [--ingest-token t]
	embedctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
