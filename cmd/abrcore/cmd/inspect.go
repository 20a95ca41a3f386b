package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/abrcore/internal/manifest"
	"github.com/jmylchreest/abrcore/internal/metrics"
	"github.com/jmylchreest/abrcore/internal/observability"
	"github.com/jmylchreest/abrcore/internal/scheduler"
	"github.com/jmylchreest/abrcore/internal/session"
	"github.com/jmylchreest/abrcore/internal/storage"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <manifest-url>",
	Short: "Open a presentation and list its periods and streams",
	Long: `Open a DASH, HLS or Smooth Streaming manifest, negotiate DRM for its
protection sets and print the periods, adaptation sets and streams.

With --fetch the default stream of each type is enabled and its first
segments are downloaded, decrypting HLS AES-128 segments. --output writes
the initialization and media segments to a directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.Bool("json", false, "print the report as JSON")
	f.Int("fetch", 0, "segments to download per default stream")
	f.String("output", "", "directory receiving downloaded segments")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.Duration("hold", 0, "keep the session open for live refresh before exiting")
	rootCmd.AddCommand(inspectCmd)
}

type inspectFlags struct {
	json        bool
	fetch       int
	output      string
	metricsAddr string
	hold        time.Duration
}

// readInspectFlags reads the inspect flags. Lookup errors only occur for
// undefined flags and leave the zero value.
func readInspectFlags(fs *pflag.FlagSet) inspectFlags {
	var f inspectFlags
	f.json, _ = fs.GetBool("json")
	f.fetch, _ = fs.GetInt("fetch")
	f.output, _ = fs.GetString("output")
	f.metricsAddr, _ = fs.GetString("metrics-addr")
	f.hold, _ = fs.GetDuration("hold")
	return f
}

type repReport struct {
	ID         string   `json:"id"`
	Bandwidth  uint32   `json:"bandwidth"`
	Codecs     []string `json:"codecs,omitempty"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	Container  string   `json:"container"`
	Segments   int      `json:"segments"`
	Protection uint16   `json:"protection_set"`
}

type adaptationReport struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Language        string      `json:"language,omitempty"`
	Name            string      `json:"name,omitempty"`
	Representations []repReport `json:"representations"`
}

type protectionReport struct {
	Index      int    `json:"index"`
	DefaultKID string `json:"default_kid,omitempty"`
	KeyURL     string `json:"key_url,omitempty"`
	CryptoMode string `json:"crypto_mode"`
	Usage      int    `json:"usage"`
}

type periodReport struct {
	ID             string             `json:"id"`
	Start          time.Duration      `json:"start"`
	Duration       time.Duration      `json:"duration"`
	Encryption     string             `json:"encryption"`
	SecureDecoder  bool               `json:"secure_decoder"`
	AdaptationSets []adaptationReport `json:"adaptation_sets"`
	Protection     []protectionReport `json:"protection,omitempty"`
}

type streamReport struct {
	ID        uint32   `json:"id"`
	UniqueID  uint32   `json:"unique_id"`
	Type      string   `json:"type"`
	Language  string   `json:"language,omitempty"`
	Codecs    []string `json:"codecs,omitempty"`
	Bandwidth uint32   `json:"bandwidth"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Default   bool     `json:"default"`
	Encrypted bool     `json:"encrypted"`
	Valid     bool     `json:"valid"`
}

type report struct {
	URL      string         `json:"url"`
	Format   string         `json:"format"`
	Live     bool           `json:"live"`
	Duration time.Duration  `json:"duration"`
	Secure   bool           `json:"secure_session"`
	Periods  []periodReport `json:"periods"`
	Streams  []streamReport `json:"streams"`
}

// buildReport snapshots the tree and the stream list.
func buildReport(c *session.Coordinator, url string) report {
	t := c.Tree()
	rep := report{
		URL:      url,
		Format:   t.Format().String(),
		Live:     c.IsLive(),
		Duration: c.TotalTime(),
		Secure:   c.SecureSession(),
	}

	periods := t.Periods()
	t.RLock()
	for _, p := range periods {
		pr := periodReport{
			ID:            p.ID,
			Start:         time.Duration(p.Start) * time.Millisecond,
			Duration:      p.DurationTime(),
			Encryption:    p.Encryption.String(),
			SecureDecoder: p.NeedSecureDecoder,
		}
		for _, a := range p.AdaptationSets {
			ar := adaptationReport{ID: a.ID, Type: a.Type.String(), Language: a.Language, Name: a.Name}
			for _, r := range a.Representations {
				ar.Representations = append(ar.Representations, repReport{
					ID:         r.ID,
					Bandwidth:  r.Bandwidth,
					Codecs:     r.Codecs,
					Width:      r.Width,
					Height:     r.Height,
					Container:  r.Container.String(),
					Segments:   len(r.Segments),
					Protection: r.PSSHSet,
				})
			}
			pr.AdaptationSets = append(pr.AdaptationSets, ar)
		}
		for i, set := range p.PSSHSets {
			if i == 0 {
				continue
			}
			pr.Protection = append(pr.Protection, protectionReport{
				Index:      i,
				DefaultKID: fmt.Sprintf("%x", set.DefaultKID),
				KeyURL:     set.KeyURL,
				CryptoMode: set.CryptoMode.String(),
				Usage:      set.UsageCount,
			})
		}
		rep.Periods = append(rep.Periods, pr)
	}
	t.RUnlock()

	for _, s := range c.Streams() {
		rep.Streams = append(rep.Streams, streamReport{
			ID:        s.ID,
			UniqueID:  s.UniqueID,
			Type:      s.Type.String(),
			Language:  s.Language,
			Codecs:    s.Codecs,
			Bandwidth: s.Bandwidth,
			Width:     s.Width,
			Height:    s.Height,
			Default:   s.Flags.Has(session.StreamDefault),
			Encrypted: s.Encrypted,
			Valid:     s.Valid,
		})
	}
	return rep
}

func writeReport(w io.Writer, r report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "%s (%s, live=%t, duration=%s, secure=%t)\n", r.URL, r.Format, r.Live, r.Duration, r.Secure)
	for _, p := range r.Periods {
		fmt.Fprintf(w, "period %q start=%s duration=%s encryption=%s\n", p.ID, p.Start, p.Duration, p.Encryption)
		for _, pr := range p.Protection {
			fmt.Fprintf(w, "  protection %d kid=%s mode=%s usage=%d %s\n", pr.Index, pr.DefaultKID, pr.CryptoMode, pr.Usage, pr.KeyURL)
		}
		for _, a := range p.AdaptationSets {
			fmt.Fprintf(w, "  %s %q lang=%s\n", a.Type, a.ID, a.Language)
			for _, rr := range a.Representations {
				fmt.Fprintf(w, "    %-12s %9d bps %4dx%-4d %-8s %s segments=%d pssh=%d\n",
					rr.ID, rr.Bandwidth, rr.Width, rr.Height, rr.Container, strings.Join(rr.Codecs, ","), rr.Segments, rr.Protection)
			}
		}
	}
	fmt.Fprintln(w, "streams:")
	for _, s := range r.Streams {
		fmt.Fprintf(w, "  %6d %-8s %-4s %-24s %9d bps default=%t encrypted=%t valid=%t\n",
			s.ID, s.Type, s.Language, strings.Join(s.Codecs, ","), s.Bandwidth, s.Default, s.Encrypted, s.Valid)
	}
	return nil
}

// defaultStreams picks one valid stream per type, preferring flagged
// defaults.
func defaultStreams(streams []*session.Stream) []*session.Stream {
	picked := make(map[manifest.StreamType]*session.Stream)
	var order []manifest.StreamType
	for _, s := range streams {
		if !s.Valid {
			continue
		}
		cur, ok := picked[s.Type]
		if !ok {
			order = append(order, s.Type)
		}
		if !ok || (!cur.Flags.Has(session.StreamDefault) && s.Flags.Has(session.StreamDefault)) {
			picked[s.Type] = s
		}
	}
	out := make([]*session.Stream, 0, len(order))
	for _, t := range order {
		out = append(out, picked[t])
	}
	return out
}

// fetchSegments downloads up to n segments of every default stream.
func fetchSegments(ctx context.Context, c *session.Coordinator, n int, out *storage.Sandbox, logger *slog.Logger) error {
	for _, s := range defaultStreams(c.Streams()) {
		if err := c.EnableStream(ctx, s.ID, true); err != nil {
			return err
		}
		if err := fetchStream(ctx, s, n, out, logger); err != nil {
			return err
		}
		if err := c.EnableStream(ctx, s.ID, false); err != nil {
			return err
		}
	}
	return nil
}

func fetchStream(ctx context.Context, s *session.Stream, n int, out *storage.Sandbox, logger *slog.Logger) error {
	logger = logger.With(slog.Uint64("stream", uint64(s.ID)), slog.String("type", s.Type.String()))
	save := func(name string, data []byte) error {
		if out == nil {
			return nil
		}
		return out.WriteFile(fmt.Sprintf("%d/%s", s.ID, name), data)
	}

	initData, ok, err := s.InitSegment(ctx)
	if err != nil {
		return fmt.Errorf("stream %d init: %w", s.ID, err)
	}
	if ok {
		if err := save("init.mp4", initData); err != nil {
			return err
		}
	}

	for i := 0; i < n; i++ {
		sd, err := s.NextSegment(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, session.ErrWaitingForSegment):
			logger.InfoContext(ctx, "live edge reached")
			return nil
		case err != nil:
			return fmt.Errorf("stream %d segment: %w", s.ID, err)
		}
		logger.InfoContext(ctx, "segment downloaded",
			slog.Uint64("number", sd.Segment.Number),
			slog.Duration("start", sd.Start),
			slog.Int("bytes", len(sd.Data)))
		if err := save(fmt.Sprintf("%06d.seg", sd.Segment.Number), sd.Data); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes m on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

func runInspect(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := readInspectFlags(cmd.Flags())
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
	var out *storage.Sandbox
	if f.output != "" {
		if out, err = storage.NewSandbox(f.output); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.WithComponent(slog.Default(), "inspect")
	m := metrics.New()
	if cfg.Metrics.Enabled {
		serveMetrics(ctx, cfg.Metrics.ListenAddr, m, logger)
	}

	sched := scheduler.New().WithLogger(logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	url := args[0]
	opts, err := buildOptions(cfg, url, deps{
		client:    newHTTPClient(cfg.HTTP, logger),
		registry:  newRegistry(),
		metrics:   m,
		scheduler: sched,
		logger:    logger,
	})
	if err != nil {
		return err
	}

	done := observability.TimedOperationWithError(ctx, logger, "inspect", &err)
	defer done()

	c := session.New(opts)
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err = c.Initialize(ctx); err != nil {
		return err
	}
	if err = writeReport(cmd.OutOrStdout(), buildReport(c, url), f.json); err != nil {
		return err
	}
	if f.fetch > 0 {
		if err = fetchSegments(ctx, c, f.fetch, out, logger); err != nil {
			return err
		}
	}

	if f.hold > 0 {
		logger.InfoContext(ctx, "holding session", slog.Duration("for", f.hold))
		select {
		case <-ctx.Done():
		case <-time.After(f.hold):
		}
	}
	return nil
}
