package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harun/memledger/internal/config"
	"github.com/harun/memledger/internal/logger"
	"github.com/harun/memledger/pkg/core"
	"github.com/harun/memledger/pkg/errs"
	"github.com/spf13/cobra"
)

// session is one opened service for the duration of a command
type session struct {
	cfg   *config.Config
	log   *logger.Logger
	svc   *core.Service
	actor string
}

// loadConfig reads the config file and applies the global flag overrides
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger logs to the configured file. One-shot commands keep stderr quiet
// unless --log-level was given; foreground serving follows logging.console.
func (o *rootOptions) newLogger(cmd *cobra.Command, cfg *config.Config, foreground bool) (*logger.Logger, error) {
	console := cmd.Flags().Changed("log-level")
	if foreground {
		console = console || cfg.Logging.Console
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    foreground,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    cmd.ErrOrStderr(),
	})
}

// resolveActor picks --actor, then MEMLEDGER_ACTOR, then USER
func (o *rootOptions) resolveActor() string {
	for _, a := range []string{o.actor, os.Getenv("MEMLEDGER_ACTOR"), os.Getenv("USER")} {
		if a = strings.TrimSpace(a); a != "" {
			return a
		}
	}
	return ""
}

// open loads configuration and opens the ledger service. The partition
// watcher is left off; one-shot commands exit before it would matter.
func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := o.newLogger(cmd, cfg, false)
	if err != nil {
		return nil, err
	}

	opts := cfg.CoreOptions(log.Component("core"))
	opts.Watch = false
	svc, err := core.New(opts)
	if err != nil {
		log.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, svc: svc, actor: o.resolveActor()}, nil
}

func (s *session) Close() error {
	err := s.svc.Close()
	if cerr := s.log.Close(); err == nil {
		err = cerr
	}
	return err
}

// withSession opens the service, runs fn and closes the service
func (o *rootOptions) withSession(cmd *cobra.Command, fn func(*session) error) error {
	s, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// writeJSON prints v as indented JSON
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// emit prints the result of a core call. A mutation can succeed and still
// report a follow-up failure (audit or checkpoint); the result is printed in
// that case too so the caller sees what was written.
func emit(cmd *cobra.Command, v interface{}, err error, wrote bool) error {
	if err == nil || wrote {
		if werr := writeJSON(cmd.OutOrStdout(), v); werr != nil && err == nil {
			return werr
		}
	}
	return err
}

type errorBody struct {
	Kind    errs.Kind `json:"kind,omitempty"`
	Code    errs.Code `json:"code,omitempty"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
}

// writeError prints err as {"error": {...}}
func writeError(w io.Writer, err error) {
	body := errorBody{Message: err.Error()}
	if e, ok := errs.As(err); ok {
		body.Kind = e.Kind
		body.Code = e.Code
		body.Op = e.Op
	}
	_ = writeJSON(w, map[string]errorBody{"error": body})
}

// readText takes the flag value, else the joined args; "-" reads stdin
func readText(cmd *cobra.Command, flagValue string, args []string) (string, error) {
	text := flagValue
	if text == "" && len(args) > 0 {
		text = strings.Join(args, " ")
	}
	if text != "-" {
		return text, nil
	}
	data, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// readRequest decodes a JSON request from a file, or stdin for "-"
func readRequest(cmd *cobra.Command, path string, into interface{}) error {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open request file: %w", err)
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errs.Validation("cli", "invalid request JSON: %v", err)
	}
	return nil
}

// parseWeight turns key=value pairs into a weight map. Values that read as
// a bool, number or null keep that type.
func parseWeight(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errs.Validation("cli", "weight %q must be key=value", p)
		}
		out[key] = scalar(value)
	}
	return out, nil
}

func scalar(s string) any {
	if s == "null" {
		return nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errs.Validation("cli", "timestamp %q is not RFC 3339", s)
	}
	return &ts, nil
}
