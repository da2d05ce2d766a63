package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard reading answers from in
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base, or from
// the defaults when base is nil
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== memledger Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	// Data directory
	fmt.Fprintf(w.out, "Data directory [%s]: ", cfg.DataDir)
	dir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		cfg.DataDir = dir
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	fmt.Fprintln(w.out)

	// Gate
	fmt.Fprintln(w.out, "Approval gate:")
	fmt.Fprintln(w.out, "  diverse       - 3+ references from 2+ sources (default)")
	fmt.Fprintln(w.out, "  single_source - 4+ references, one source is enough")
	fmt.Fprintf(w.out, "Evidence mode [%s]: ", cfg.Gate.Mode)
	mode, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if mode != "" {
		if err := validator.ValidateDiversityMode(mode); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Gate.Mode)
		} else {
			cfg.Gate.Mode = mode
		}
	}

	for {
		fmt.Fprintf(w.out, "Environment variable holding the gate secret [%s]: ", cfg.Gate.SecretEnv)
		name, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if name == "" {
			break
		}
		if err := validator.ValidateSecretEnv(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Gate.SecretEnv = name
		break
	}
	if os.Getenv(cfg.Gate.SecretEnv) == "" && cfg.Gate.Secret == "" {
		fmt.Fprintf(w.out, "Note: %s is not set; gate tokens will be signed without a key\n", cfg.Gate.SecretEnv)
	}

	fmt.Fprintln(w.out)

	// Daemon
	fmt.Fprintln(w.out, "Daemon:")
	for {
		fmt.Fprintf(w.out, "Chain verification schedule [%s]: ", cfg.Daemon.VerifySchedule)
		spec, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if spec == "" {
			break
		}
		if err := validator.ValidateSchedule("verify schedule", spec); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Daemon.VerifySchedule = spec
		break
	}

	fmt.Fprintf(w.out, "Metrics listen address, '-' to disable [%s]: ", cfg.Daemon.MetricsAddr)
	addr, err := w.readLine()
	if err != nil {
		return nil, err
	}
	switch {
	case addr == "-":
		cfg.Daemon.MetricsAddr = ""
	case addr != "":
		if err := validator.ValidateAddr(addr); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Daemon.MetricsAddr)
		} else {
			cfg.Daemon.MetricsAddr = addr
		}
	}

	fmt.Fprintln(w.out)

	// Log Level
	fmt.Fprintln(w.out, "Logging:")
	fmt.Fprintf(w.out, "Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
