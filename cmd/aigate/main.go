// Command aigate sends chat, embedding and image requests to AI providers
// through the response cache, circuit breakers and fallback chain.
//
// Usage:
//
//	aigate [-config path] [-env file] <command> [flags] [args]
//
// Commands:
//
//	chat        Send a prompt and print the reply
//	stream      Stream a reply to stdout
//	embed       Print the embedding of a text
//	image       Generate an image and print its URLs
//	classify    Classify a text into one of the given labels
//	usage       Show usage statistics and costs
//	cache-clear Invalidate every cached response
//	status      Show circuit breaker state per provider
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aigate/internal/chat"
	"aigate/internal/domain"
	"aigate/internal/usage"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "aigate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("aigate", flag.ContinueOnError)
	configPath := global.String("config", "config.toml", "Path to configuration file")
	envFile := global.String("env", ".env", "Path to .env file")
	global.Usage = func() {
		fmt.Fprintln(global.Output(), "usage: aigate [-config path] [-env file] <chat|stream|embed|image|classify|usage|cache-clear|status> [flags] [args]")
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *configPath, []string{*envFile})
	if err != nil {
		return err
	}
	defer a.Close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "chat":
		return runChat(ctx, a, rest, stdout)
	case "stream":
		return runStream(ctx, a, rest, stdout)
	case "embed":
		return runEmbed(ctx, a, rest, stdout)
	case "image":
		return runImage(ctx, a, rest, stdout)
	case "classify":
		return runClassify(ctx, a, rest, stdout)
	case "usage":
		return runUsage(ctx, a, rest, stdout)
	case "cache-clear":
		return runCacheClear(ctx, a, stdout)
	case "status":
		return runStatus(ctx, a, stdout)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

type requestFlags struct {
	fs       *flag.FlagSet
	provider *string
	model    *string
	system   *string
	params   *string
}

func newRequestFlags(name string) *requestFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &requestFlags{
		fs:       fs,
		provider: fs.String("provider", "", "Provider id or alias (default: configured default)"),
		model:    fs.String("model", "", "Model override"),
		system:   fs.String("system", "", "System prompt"),
		params:   fs.String("params", "", `Extra parameters as JSON, e.g. '{"temperature":0.2}'`),
	}
}

func (f *requestFlags) request(a *app, args []string) (*chat.Request, error) {
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}
	prompt := strings.Join(f.fs.Args(), " ")
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	req := a.chat.Chat()
	if *f.provider != "" {
		req.Provider(*f.provider)
	}
	if *f.model != "" {
		req.Model(*f.model)
	}
	if *f.params != "" {
		var params domain.Parameters
		if err := json.Unmarshal([]byte(*f.params), &params); err != nil {
			return nil, fmt.Errorf("parsing -params: %w", err)
		}
		req.WithParameters(params)
	}

	var messages []domain.Message
	if *f.system != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: *f.system})
	}
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: prompt})
	return req.Messages(messages...), nil
}

func runChat(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	req, err := newRequestFlags("chat").request(a, args)
	if err != nil {
		return err
	}
	resp, err := req.Get(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, resp.Text())
	return err
}

func runStream(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	req, err := newRequestFlags("stream").request(a, args)
	if err != nil {
		return err
	}
	err = req.StreamTo(ctx, func(chunk string) error {
		_, err := io.WriteString(stdout, chunk)
		return err
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout)
	return err
}

func runEmbed(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	providerID := fs.String("provider", "", "Provider id or alias")
	save := fs.Bool("save", false, "Store the embedding in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return errors.New("text is required")
	}

	var providers []domain.Provider
	if *providerID != "" {
		client, err := a.providers.Resolve(*providerID)
		if err != nil {
			return err
		}
		providers = append(providers, client.Provider())
	}

	embeddings := a.chat.Embeddings(a.embeddings)
	if *save {
		id, err := embeddings.Store(ctx, text, providers...)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, id)
		return err
	}

	vec, err := embeddings.Generate(ctx, text, providers...)
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(vec)
}

func runImage(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	size := fs.String("size", "1024x1024", "Image size")
	n := fs.Int("n", 1, "Number of images")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		return errors.New("prompt is required")
	}

	result, err := a.chat.Images().Generate(ctx, prompt, domain.Parameters{"size": *size, "n": *n})
	if err != nil {
		return err
	}
	for _, u := range result.URLs {
		fmt.Fprintln(stdout, u)
	}
	return nil
}

func runClassify(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	labels := fs.String("labels", "", "Comma-separated labels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" || *labels == "" {
		return errors.New("text and -labels are required")
	}

	var list []string
	for _, l := range strings.Split(*labels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			list = append(list, l)
		}
	}
	label, err := a.chat.Classify(ctx, text, list)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, label)
	return err
}

func runUsage(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	providerID := fs.String("provider", "", "Filter by provider")
	days := fs.Int("days", 7, "Number of days to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := domain.UsageFilter{Since: time.Now().AddDate(0, 0, -*days)}
	if *providerID != "" {
		p, ok := domain.ParseProvider(strings.ToLower(*providerID))
		if !ok {
			return fmt.Errorf("unknown provider %q", *providerID)
		}
		filter.Provider = p
	}

	records, err := a.chat.Tracker().List(ctx, filter)
	if err != nil {
		return err
	}
	return usage.BuildReport(records, *days).Render(stdout)
}

func runCacheClear(ctx context.Context, a *app, stdout io.Writer) error {
	if err := a.chat.Cache().Flush(ctx); err != nil {
		return err
	}
	purged, err := a.purgeExpired(ctx)
	if err != nil {
		a.logger.Warn("cache flushed but expired entries were not purged", "error", err)
	}
	_, err = fmt.Fprintf(stdout, "AI cache cleared (%d expired entries purged)\n", purged)
	return err
}

func runStatus(ctx context.Context, a *app, stdout io.Writer) error {
	report := struct {
		DefaultProvider string   `json:"default_provider"`
		Circuits        any      `json:"circuits"`
		Cache           any      `json:"cache"`
		Providers       []string `json:"providers"`
	}{
		DefaultProvider: a.cfg.DefaultProvider,
		Circuits:        a.chat.Status(ctx),
		Cache:           a.chat.Cache().Stats(ctx),
	}
	for _, p := range a.providers.AvailableProviders() {
		report.Providers = append(report.Providers, string(p))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
