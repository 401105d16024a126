package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"internline/internal/app"
	"internline/internal/codec"
	"internline/internal/config"
	"internline/internal/domain"
	"internline/internal/idgen"
	"internline/internal/logging"
	"internline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Internline CLI",
	Long: `Internline maps strings to compact integer ids per use case and organization.
- Use case: a namespace such as performance or release-health; ids never cross use cases.
- Record: return the id for a string, minting one the first time it is seen.
- Resolve / reverse: look a string or an id up without minting.
- Bulk: record many strings for many organizations in one call.
- Quota: each organization may record a multiple of the strings it already has.
Settings live in internline.yml in the workspace; INTERNLINE_* variables and a
workspace .env file override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envPath := filepath.Join(viper.GetString("workspace"), ".env")
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/internline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(reverseCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(codecCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(envCmd())
}

func parseOrg(raw string) (int64, error) {
	org, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || org < 0 {
		return 0, fmt.Errorf("invalid org id %q", raw)
	}
	return org, nil
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <use-case> <org-id> <string>...",
		Short: "Record strings and print their ids",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := parseOrg(args[1])
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				uc := domain.UseCaseKey(args[0])
				results := make([]domain.KeyResult, 0, len(args)-2)
				for _, s := range args[2:] {
					r, err := svc.Strings.Record(ctx, uc, org, s)
					if err != nil {
						return err
					}
					results = append(results, r)
				}
				return printResults(results)
			})
		},
	}
	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <use-case> <org-id> <string>",
		Short: "Print the id of a recorded string",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := parseOrg(args[1])
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				id, ok, err := svc.Strings.Resolve(ctx, domain.UseCaseKey(args[0]), org, args[2])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%q is not recorded for org %d", args[2], org)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"org_id": org, "string": args[2], "id": id})
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	return cmd
}

func reverseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reverse <use-case> <id>",
		Short: "Print the string behind an id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				s, ok, err := svc.Strings.ReverseResolve(ctx, domain.UseCaseKey(args[0]), domain.DecodedID(raw))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("id %d not found under %s", raw, args[0])
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": raw, "string": s})
				}
				fmt.Println(s)
				return nil
			})
		},
	}
	return cmd
}

func bulkCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bulk <use-case>",
		Short: "Record \"<org-id> <string>\" lines from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			items, err := parseBulkLines(in)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				start := time.Now()
				res, err := svc.Strings.BulkRecord(ctx, domain.UseCaseKey(args[0]), items)
				if err != nil {
					return err
				}
				if err := printResults(res.Results()); err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "%s strings across %s orgs in %s\n",
						humanize.Comma(int64(res.Len())), humanize.Comma(int64(len(items))), time.Since(start).Round(time.Millisecond))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "input file (- for stdin)")
	return cmd
}

// parseBulkLines reads one "<org-id> <string>" pair per line. The string is
// everything after the first run of whitespace. Blank lines and lines starting
// with # are skipped.
func parseBulkLines(r io.Reader) (domain.OrgStrings, error) {
	items := domain.OrgStrings{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(strings.TrimSpace(text), "#") {
			continue
		}
		text = strings.TrimLeft(text, " \t")
		sep := strings.IndexAny(text, " \t")
		if sep < 0 {
			return nil, fmt.Errorf("line %d: expected \"<org-id> <string>\"", line)
		}
		org, err := parseOrg(text[:sep])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items[org] = append(items[org], strings.TrimLeft(text[sep:], " \t"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota <use-case> <org-id>",
		Short: "Show the record limit of an organization",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := parseOrg(args[1])
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				if svc.Quota == nil {
					return fmt.Errorf("storage backend %s cannot count strings", svc.Backend.Name())
				}
				uc, err := domain.ParseUseCase(args[0], svc.Config.UseCases()...)
				if err != nil {
					return err
				}
				count, err := svc.Count(ctx, uc, org)
				if err != nil {
					return err
				}
				lim, err := svc.Quota.Limit(ctx, uc, org, true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"limit": lim, "strings": count, "enforced": svc.Enforcer != nil})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Org", "Use case", "Strings", "Computed", "Limit", "Window", "Enforced"})
				tw.AppendRow(table.Row{org, uc, humanize.Comma(count), humanize.Comma(lim.Computed), humanize.Comma(lim.Limit), lim.Window, svc.Enforcer != nil})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			logger := newLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.Open(ctx, cfg, app.Options{
				Workspace:  viper.GetString("workspace"),
				Logger:     logger,
				Registerer: prometheus.DefaultRegisterer,
			})
			if err != nil {
				return err
			}
			defer svc.Close()
			if d := server.StartWebhooks(ctx, svc.Bus, cfg.Webhooks, logger); d != nil {
				logger.Info("webhooks enabled", "count", len(cfg.Webhooks))
			}
			handler, err := server.New(server.Config{
				Service:  svc,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, APIKeys: cfg.Server.APIKeys, Logger: logger},
				Logger:   logger,
				Metrics:  promhttp.Handler(),
			})
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" && len(cfg.Server.APIKeys) == 0 {
				logger.Warn("no jwt secret or api keys configured; the API accepts unauthenticated requests")
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Internline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations for the sqlite or postgres backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := app.Migrate(cmd.Context(), cfg, viper.GetString("workspace"), newLogger(cfg))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"backend": cfg.Storage.Backend, "version": v})
			}
			fmt.Printf("%s schema at version %d\n", cfg.Storage.Backend, v)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect internline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func codecCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "codec",
		Short: "Inspect id encodings",
	}
	var name string
	encode := &cobra.Command{
		Use:   "encode <id>",
		Short: "Print the storage key for an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kc, err := codec.ByName(name)
			if err != nil {
				return err
			}
			raw, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			key := kc.Encode(domain.DecodedID(raw))
			return printCodec(domain.DecodedID(raw), key)
		},
	}
	decode := &cobra.Command{
		Use:   "decode <key>",
		Short: "Print the id behind a storage key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kc, err := codec.ByName(name)
			if err != nil {
				return err
			}
			raw, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key %q", args[0])
			}
			return printCodec(kc.Decode(domain.EncodedID(raw)), domain.EncodedID(raw))
		},
	}
	for _, sub := range []*cobra.Command{encode, decode} {
		sub.Flags().StringVar(&name, "codec", codec.NameReversed, "codec name (reversed or identity)")
	}
	var width uint
	reverse := &cobra.Command{
		Use:   "reverse-bits <value>",
		Short: "Reverse the low bits of a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid value %q", args[0])
			}
			out, err := idgen.ReverseBits(raw, width)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"value": raw, "width": width, "reversed": out})
			}
			fmt.Printf("%d (%#0*b)\n", out, int(width)+2, out)
			return nil
		},
	}
	reverse.Flags().UintVar(&width, "width", 64, "number of low bits to reverse")
	c.AddCommand(encode, decode, reverse)
	return c
}

func printCodec(id domain.DecodedID, key domain.EncodedID) error {
	version, seq := idgen.Split(id)
	if viper.GetBool("json") {
		return printJSON(map[string]any{"id": id, "key": key, "version": version, "sequence": seq})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Key", "Version", "Sequence"})
	tw.AppendRow(table.Row{uint64(id), int64(key), version, seq})
	tw.Render()
	return nil
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Issue API credentials",
	}
	var (
		subject string
		perms   []string
		ttl     time.Duration
	)
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Sign a bearer token with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, subject, perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	sign.Flags().StringVar(&subject, "subject", "", "token subject")
	sign.Flags().StringSliceVar(&perms, "perm", []string{config.PermRead, config.PermWrite}, "permissions to grant")
	sign.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")

	hash := &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the key_hash to store in server.api_keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(server.HashAPIKey(args[0]))
			return nil
		},
	}
	tok.AddCommand(sign, hash)
	return tok
}

func envCmd() *cobra.Command {
	env := &cobra.Command{
		Use:   "env",
		Short: "Manage the workspace .env file",
	}
	env.AddCommand(&cobra.Command{
		Use:   "set <KEY> <value>",
		Short: "Set a variable in <workspace>/.env",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("set %s in %s\n", args[0], path)
			return nil
		},
	})
	return env
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
}

func withService(ctx context.Context, fn func(context.Context, *app.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := app.Open(ctx, cfg, app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger(cfg)})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printResults(results []domain.KeyResult) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Org", "String", "ID", "Status", "Reason"})
	for _, r := range results {
		id := ""
		if r.Present() {
			id = strconv.FormatUint(uint64(r.ID), 10)
		}
		tw.AppendRow(table.Row{r.OrgID, r.String, id, r.Status, r.Reason})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
