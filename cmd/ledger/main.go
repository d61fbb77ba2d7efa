package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitValid   = 0
	exitInvalid = 1
	exitError   = 2
)

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

// errInvalid reports a completed verification whose verdict was INVALID.
// The report has already been printed.
var errInvalid = &exitCodeError{code: exitInvalid}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitValid
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.err != nil {
			fmt.Fprintln(stderr, "Error:", ec.err)
		}
		return ec.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitError
}

type options struct {
	cfgFile string
	format  string
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "ledger",
		Short: "Audit ledger CLI",
		Long: `ledger appends to, verifies and exports hash-chained audit ledgers.

Verification commands exit 0 when the ledger is VALID, 1 when it is
INVALID and 2 when it cannot be read.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfgFile != "" {
				viper.SetConfigFile(opts.cfgFile)
			} else {
				home, _ := os.UserHomeDir()
				viper.AddConfigPath(home + "/.auditledger")
				viper.SetConfigName("config")
				viper.SetConfigType("yaml")
			}
			viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			viper.AutomaticEnv()
			_ = viper.ReadInConfig()

			switch opts.format {
			case "text", "json", "yaml":
			default:
				return &exitCodeError{code: exitError, err: fmt.Errorf("unknown --format %q (text, json or yaml)", opts.format)}
			}
			if viper.GetBool("verbose") {
				l, err := zap.NewDevelopment()
				if err == nil {
					opts.logger = l
				}
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitCodeError{code: exitError, err: err}
	})

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default ~/.auditledger/config.yaml)")
	root.PersistentFlags().StringVar(&opts.format, "format", "text", "Output format: text, json or yaml")
	root.PersistentFlags().Bool("verbose", false, "Log to stderr")
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	root.AddCommand(
		newAppendCmd(opts),
		newVerifyCmd(opts),
		newExportCmd(opts),
		newVerifyBundleCmd(opts),
		newWatchCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledger CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledger %s\n", version)
		},
	}
}

// usageErr marks err as a usage or read failure (exit 2).
func usageErr(err error) error {
	return &exitCodeError{code: exitError, err: err}
}

// emit writes v in the selected format. text is used for --format text.
func emit(w io.Writer, format string, v any, text string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the JSON field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprintln(w, text)
		return err
	}
}
