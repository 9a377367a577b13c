package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-voicegate/internal/api"
	"github.com/loqalabs/loqa-voicegate/internal/bus"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/loqalabs/loqa-voicegate/internal/protocol"
	"github.com/loqalabs/loqa-voicegate/internal/shard"
	"github.com/loqalabs/loqa-voicegate/internal/transcode"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configFile string
	addr       string
	busURL     string
	engineName string
	inFile     string
	outFile    string

	rootCmd = &cobra.Command{
		Use:           "voicegatectl",
		Short:         "Inspect and operate a voicegate deployment",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the voicegatectl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	validateCmd = &cobra.Command{
		Use:     "validate",
		Short:   "Load a configuration file and summarize its engines",
		Example: "voicegatectl validate --config voicegate.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return printEngines(cmd.OutOrStdout(), cfg)
		},
	}

	shardsCmd = &cobra.Command{
		Use:     "shards",
		Short:   "Show the current shard map of an engine",
		Example: "voicegatectl shards --engine voicevox\nvoicegatectl shards --engine voicevox --bus nats://localhost:4222",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := loadShards(cmd, false)
			if err != nil {
				return err
			}
			return printSnapshot(cmd, snap)
		},
	}

	reshardCmd = &cobra.Command{
		Use:     "reshard",
		Short:   "Recompute the shard map of an engine",
		Example: "voicegatectl reshard --engine coeiroink",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := loadShards(cmd, true)
			if err != nil {
				return err
			}
			return printSnapshot(cmd, snap)
		},
	}

	transcodeCmd = &cobra.Command{
		Use:     "transcode",
		Short:   "Run a WAV file through the configured transcoder",
		Example: "voicegatectl transcode --in hello.wav --out hello.ogg",
		Args:    cobra.NoArgs,
		RunE:    runTranscode,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (YAML or TOML)")

	for _, cmd := range []*cobra.Command{shardsCmd, reshardCmd} {
		cmd.Flags().StringVar(&addr, "addr", "http://localhost:8888", "voicegate base URL")
		cmd.Flags().StringVar(&busURL, "bus", "", "query over NATS at this URL instead of HTTP")
		cmd.Flags().StringVar(&engineName, "engine", "voicevox", "engine name")
	}

	transcodeCmd.Flags().StringVar(&inFile, "in", "", "input WAV file")
	transcodeCmd.Flags().StringVar(&outFile, "out", "", "output file")
	_ = transcodeCmd.MarkFlagRequired("in")
	_ = transcodeCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(versionCmd, validateCmd, shardsCmd, reshardCmd, transcodeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printEngines(w io.Writer, cfg config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tFAMILY\tROUTE\tINSTANCES\tFALLBACK")
	for _, eng := range cfg.Engines {
		fallback := fmt.Sprintf("style %d", eng.Fallback.StyleID)
		if eng.Fallback.EngineURL != "" {
			fallback += " @ " + eng.Fallback.EngineURL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", eng.Name, eng.Family, eng.Route, strings.Join(eng.URLs, ","), fallback)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d shards per engine, transcoder %s (%s)\n", cfg.Shards.Count, cfg.Transcoder.Path, cfg.Transcoder.ContentType)
	return nil
}

// shardSnapshot is a shard map as reported by a running gateway.
type shardSnapshot struct {
	Map        *shard.Map
	Warnings   []string
	ComputedAt string
}

func loadShards(cmd *cobra.Command, reshard bool) (shardSnapshot, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if busURL != "" {
		return requestShards(ctx, cmd.ErrOrStderr(), reshard)
	}
	if reshard {
		return fetchShards(ctx, http.MethodPost, "/speakers/reshard")
	}
	return fetchShards(ctx, http.MethodGet, "/speakers/sharded")
}

func engineRoute() (string, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	for _, eng := range cfg.Engines {
		if eng.Name == engineName {
			return eng.Route, nil
		}
	}
	return "", fmt.Errorf("unknown engine %q", engineName)
}

func fetchShards(ctx context.Context, method, suffix string) (shardSnapshot, error) {
	route, err := engineRoute()
	if err != nil {
		return shardSnapshot{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(addr, "/")+route+suffix, nil)
	if err != nil {
		return shardSnapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return shardSnapshot{}, fmt.Errorf("unable to reach voicegate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return shardSnapshot{}, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	var m shard.Map
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return shardSnapshot{}, fmt.Errorf("decode shards: %w", err)
	}
	return shardSnapshot{
		Map:        &m,
		Warnings:   resp.Header.Values("X-Voicegate-Warning"),
		ComputedAt: resp.Header.Get(api.ComputedAtHeader),
	}, nil
}

// requestShards asks the engine group over its request-reply subjects.
func requestShards(ctx context.Context, stderr io.Writer, reshard bool) (shardSnapshot, error) {
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{busURL}, ConnectTimeout: 5000}, log)
	if err != nil {
		return shardSnapshot{}, err
	}
	defer client.Close()

	var m shard.Map
	if reshard {
		err = client.RequestJSON(ctx, protocol.ReshardSubject(engineName), protocol.ReshardRequest{RequestedBy: "voicegatectl"}, &m)
	} else {
		err = client.RequestJSON(ctx, protocol.ShardsQuerySubject(engineName), struct{}{}, &m)
	}
	if err != nil {
		return shardSnapshot{}, err
	}
	return shardSnapshot{Map: &m}, nil
}

func printSnapshot(cmd *cobra.Command, snap shardSnapshot) error {
	for _, w := range snap.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	if err := printShards(cmd.OutOrStdout(), snap.Map.Shards()); err != nil {
		return err
	}
	if snap.ComputedAt != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\ncomputed at %s\n", snap.ComputedAt)
	}
	return nil
}

func printShards(w io.Writer, shards []shard.Shard) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tINSTANCE\tSTYLES\tFIRST\tLAST")
	for i, s := range shards {
		first, last := "-", "-"
		if n := len(s.Styles); n > 0 {
			first = fmt.Sprint(s.Styles[0].StyleID)
			last = fmt.Sprint(s.Styles[n-1].StyleID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", i, s.EngineURL, len(s.Styles), first, last)
	}
	return tw.Flush()
}

func runTranscode(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(inFile)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := transcode.NewClient(cfg.Transcoder, time.Duration(cfg.Timeouts.TranscodeMS)*time.Millisecond, log)
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := client.Transcode(cmd.Context(), raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outFile, out, 0o644); err != nil { //nolint:gosec
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) -> %s (%s, %s) in %s via %s\n",
		inFile, humanize.Bytes(uint64(len(raw))),
		outFile, humanize.Bytes(uint64(len(out))), client.ContentType(),
		time.Since(start).Round(time.Millisecond), client.Tool().Path)
	return nil
}
