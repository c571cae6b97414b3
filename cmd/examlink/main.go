package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examlink/internal/codec"
	"github.com/pavelanni/examlink/internal/handler"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/llm"
	"github.com/pavelanni/examlink/internal/metrics"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/pack"
	"github.com/pavelanni/examlink/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examlink",
		Short: "Share exams as links and collect the results",
	}

	serve := serveCmd()
	root.AddCommand(serve, encodeCmd(), decodeCmd(), generateCmd(), harvestCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addShareFlags(f *pflag.FlagSet) {
	d := pack.DefaultLimits()
	f.String("base-url", "http://localhost:8080/open", "Page exam links point at")
	f.Int("soft-limit", d.Soft, "Link length that triggers compaction")
	f.Int("hard-limit", d.Hard, "Longest link the url channel produces")
	f.Int("clipboard-limit", d.Clipboard, "Longest clipboard code (0 = unbounded)")
	f.Int("image-cutoff", d.ImageCutoff, "Compaction drops images longer than this")
	f.Int("explanation-max", d.ExplanationMax, "Runes of an explanation kept when compacting")
	f.Bool("compression", true, "Emit compressed v2_ codes")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP share service",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "examlink.db", "SQLite database path")
	f.StringP("lang", "l", "vi", "Default message language (vi, en)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /exam)")
	f.String("submit-url", "http://localhost:8080/submit", "Page submission links point at")
	f.Duration("stash-ttl", 7*24*time.Hour, "How long a stashed clipboard code stays available (0 = forever)")
	f.String("teacher-password", "", "Initial gradebook password (or set EXAMLINK_TEACHER_PASSWORD)")
	f.StringSlice("cors-origins", nil, "Origins allowed to call the API from a browser")
	f.Bool("metrics", true, "Serve Prometheus metrics at /metrics")
	addShareFlags(f)
	addLogFlags(f)
	return cmd
}

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode [exam.json]",
		Short: "Encode an exam JSON file into a share link or clipboard code",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEncode,
	}
	f := cmd.Flags()
	f.String("channel", string(model.ChannelURL), "Channel (url, clipboard-code)")
	f.Bool("allow-image-loss", false, "Accept a link that drops heavy images")
	addShareFlags(f)
	addLogFlags(f)
	return cmd
}

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [code-or-link]",
		Short: "Decode a share code or link into exam JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDecode,
	}
	f := cmd.Flags()
	f.Bool("compression", true, "Accept compressed v2_ codes")
	addLogFlags(f)
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate exam questions with an LLM",
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("subject", "", "Subject (required)")
	f.String("grade", "", "Grade (required)")
	f.String("topic", "", "Topic to focus on")
	f.String("level", string(model.DefaultLevel), "Cognitive level")
	f.Int("num-mc", 5, "Number of multiple-choice questions")
	f.Int("num-open", 0, "Number of open-ended questions")
	f.String("source", "", "Text file with source material")
	f.Bool("with-passage", false, "Ask for a reading passage")
	f.String("assignment", "", "Assignment id carried in the share link")
	f.Bool("share", false, "Print a share link instead of exam JSON")
	addShareFlags(f)
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("grade")

	return cmd
}

func harvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest [chat.txt]",
		Short: "Record #EDU_RESULT# tags found in pasted chat text",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHarvest,
	}
	f := cmd.Flags()
	f.String("db", "examlink.db", "SQLite database path")
	f.String("assignment", "", "Assignment the results belong to")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export gradebook results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "examlink.db", "SQLite database path")
	f.String("assignment", "", "Only export this assignment")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examlink")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examlink")
	v.AddConfigPath("/etc/examlink")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func shareConfig(v *viper.Viper) model.ShareConfig {
	return model.ShareConfig{
		BaseURL:        v.GetString("base-url"),
		SoftLimit:      v.GetInt("soft-limit"),
		HardLimit:      v.GetInt("hard-limit"),
		ClipboardLimit: v.GetInt("clipboard-limit"),
		ImageCutoff:    v.GetInt("image-cutoff"),
		ExplanationMax: v.GetInt("explanation-max"),
		Compression:    v.GetBool("compression"),
	}
}

func newEncoder(cfg model.ShareConfig) *pack.Encoder {
	opts := []pack.EncoderOption{pack.WithLimits(pack.Limits{
		Soft:           cfg.SoftLimit,
		Hard:           cfg.HardLimit,
		Clipboard:      cfg.ClipboardLimit,
		ImageCutoff:    cfg.ImageCutoff,
		ExplanationMax: cfg.ExplanationMax,
	})}
	if !cfg.Compression {
		opts = append(opts, pack.WithCompressor(codec.NoCompression{}))
	}
	return pack.NewEncoder(cfg.BaseURL, opts...)
}

func newDecoder(compression bool) *pack.Decoder {
	if !compression {
		return pack.NewDecoder(pack.WithDecompressor(codec.NoCompression{}))
	}
	return pack.NewDecoder()
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedTeacher(db, v.GetString("teacher-password")); err != nil {
		return fmt.Errorf("seed teacher password: %w", err)
	}
	if err := db.CleanupExpired(); err != nil {
		slog.Warn("failed to clean up expired stash entries", "error", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := shareConfig(v)
	h, err := handler.New(db, newEncoder(cfg), newDecoder(cfg.Compression), handler.Config{
		OpenURL:   cfg.BaseURL,
		SubmitURL: v.GetString("submit-url"),
		StashTTL:  v.GetDuration("stash-ttl"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := v.GetStringSlice("cors-origins"); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Language"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if v.GetBool("metrics") {
		metrics.Init()
		r.Use(metrics.Middleware)
		r.Handle("/metrics", metrics.Handler())
	}
	r.Use(appI18n.Middleware())

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"base_url", cfg.BaseURL,
		"base_path", basePath,
		"soft_limit", cfg.SoftLimit,
		"hard_limit", cfg.HardLimit,
		"compression", cfg.Compression,
	)
	return http.ListenAndServe(addr, r)
}

func runEncode(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	data, err := readInput(args)
	if err != nil {
		return err
	}
	var exam model.Exam
	if err := json.Unmarshal(data, &exam); err != nil {
		return fmt.Errorf("parse exam: %w", err)
	}

	channel := model.Channel(v.GetString("channel"))
	res, err := newEncoder(shareConfig(v)).Encode(exam, pack.EncodeOptions{
		Channel:        channel,
		AllowImageLoss: v.GetBool("allow-image-loss"),
	})
	if err != nil {
		if pack.KindOf(err) == pack.KindPayloadTooLarge {
			slog.Error("exam does not fit in a link; use --channel clipboard-code or --allow-image-loss")
		}
		return fmt.Errorf("encode exam: %w", err)
	}
	if res.ImagesDropped {
		slog.Warn("images were dropped to fit the link")
	}
	slog.Info("encoded exam", "level", res.Level, "compressed", res.Compressed, "code_len", len(res.Code))

	out := res.URL
	if channel == model.ChannelClipboard {
		out = res.Code
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

func runDecode(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	data, err := readInput(args)
	if err != nil {
		return err
	}
	exam, err := newDecoder(v.GetBool("compression")).DecodeLink(string(data))
	if err != nil {
		var pe *pack.Error
		if errors.As(err, &pe) && pe.LikelyTruncated {
			slog.Error("code looks truncated; ask the sender for the clipboard code", "len", pe.Len)
		}
		return fmt.Errorf("decode exam: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), exam)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	client, err := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}

	var source string
	if path := v.GetString("source"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		source = string(data)
	}

	gen, err := client.GenerateQuestions(ctx, llm.GenerateRequest{
		Subject:           v.GetString("subject"),
		Grade:             v.GetString("grade"),
		Topic:             v.GetString("topic"),
		Level:             model.Level(v.GetString("level")),
		NumMultipleChoice: v.GetInt("num-mc"),
		NumOpenEnded:      v.GetInt("num-open"),
		Source:            source,
		WithPassage:       v.GetBool("with-passage"),
	})
	if err != nil {
		return fmt.Errorf("generate questions: %w", err)
	}
	slog.Info("generated questions", "count", len(gen.Questions), "passage", gen.ReadingPassage != "")

	exam := model.Exam{
		Subject:      v.GetString("subject"),
		Grade:        v.GetString("grade"),
		AssignmentID: v.GetString("assignment"),
		Questions:    gen.Questions,
	}
	if !v.GetBool("share") {
		return writeJSON(cmd.OutOrStdout(), exam)
	}

	res, err := newEncoder(shareConfig(v)).Encode(exam, pack.EncodeOptions{Channel: model.ChannelURL})
	if err != nil {
		return fmt.Errorf("encode exam: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.URL)
	return err
}

func runHarvest(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	data, err := readInput(args)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	found := pack.ExtractResults(string(data))
	added := 0
	for _, tr := range found {
		ok, err := db.RecordResult(model.GradebookEntry{
			AssignmentID: v.GetString("assignment"),
			StudentName:  tr.Name,
			Score:        tr.Score,
			Detail:       tr.Detail,
			Source:       model.SourceHarvest,
		})
		if err != nil {
			return fmt.Errorf("record result for %s: %w", tr.Name, err)
		}
		if ok {
			added++
		}
	}
	slog.Info("harvested results", "found", len(found), "added", added)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults(v.GetString("assignment"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeJSON(w, export)
}

// readInput returns the first argument when it is not a file path, the
// file's contents when it is, or stdin when there is no argument or it is "-".
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	if looksInline(args[0]) {
		return []byte(args[0]), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}

// looksInline reports whether arg is a link or a code rather than a path.
// Codes in the standard base64 alphabet contain '/', so anything that is
// not an existing file counts as inline.
func looksInline(arg string) bool {
	if u, err := url.Parse(arg); err == nil && u.Scheme != "" && u.Host != "" {
		return true
	}
	_, err := os.Stat(arg)
	return err != nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func seedTeacher(db *store.Store, password string) error {
	existing, err := db.TeacherPasswordHash()
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	if password == "" {
		slog.Warn("no teacher password set; gradebook endpoints will refuse every request",
			"hint", "set --teacher-password or EXAMLINK_TEACHER_PASSWORD")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash teacher password: %w", err)
	}
	if err := db.SetTeacherPasswordHash(string(hash)); err != nil {
		return err
	}
	slog.Info("seeded teacher password")
	return nil
}
