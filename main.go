// mirru forwards one WHIP broadcast into chat-service voice channels.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/mirru/mirru/internal/httpserv"
	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/relay"
)

var version = "v1.0.0"

// bindError marks a failure to open the listen address.
type bindError struct {
	wrapped error
}

// Error implements the error interface.
func (e bindError) Error() string {
	return "unable to bind: " + e.wrapped.Error()
}

var verbosityLevels = map[string]logging.LogLevel{
	"off":   logging.LogLevelDisabled,
	"error": logging.LogLevelError,
	"warn":  logging.LogLevelWarn,
	"info":  logging.LogLevelInfo,
	"debug": logging.LogLevelDebug,
	"trace": logging.LogLevelTrace,
}

func main() {
	os.Exit(run())
}

func run() int {
	var host string
	var port uint16
	var verbosity string
	var completions string

	root := &cobra.Command{
		Use:           "mirru",
		Short:         "relay a WHIP broadcast into chat-service voice channels",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if completions != "" {
				return generateCompletions(cmd, completions)
			}

			level, ok := verbosityLevels[verbosity]
			if !ok {
				return fmt.Errorf("invalid verbosity: %s", verbosity)
			}

			return serve(net.JoinHostPort(host, strconv.Itoa(int(port))), level)
		},
	}

	root.Flags().StringVar(&host, "host", "127.0.0.1", "address of the HTTP listener")
	root.Flags().Uint16Var(&port, "port", 3000, "port of the HTTP listener")
	root.Flags().StringVar(&verbosity, "verbosity", "off",
		"log verbosity (off, error, warn, info, debug, trace)")
	root.Flags().StringVar(&completions, "completions", "",
		"print a shell completion script and exit (bash, fish, powershell, zsh)")

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)

		var eBind bindError
		if errors.As(err, &eBind) {
			return 2
		}
		return 1
	}
	return 0
}

func generateCompletions(cmd *cobra.Command, shell string) error {
	switch shell {
	case "bash":
		return cmd.Root().GenBashCompletionV2(os.Stdout, true)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	}
	return fmt.Errorf("invalid shell: %s", shell)
}

func serve(address string, level logging.LogLevel) error {
	logFactory := logging.NewDefaultLoggerFactory()
	logFactory.DefaultLogLevel = level

	h := &hub.Hub{
		Log: logFactory.NewLogger("hub"),
	}
	err := h.Init()
	if err != nil {
		return err
	}

	sup := &relay.Supervisor{
		Hub:        h,
		LogFactory: logFactory,
	}
	err = sup.Init()
	if err != nil {
		return err
	}
	defer sup.Close()

	srv := &httpserv.Server{
		Address:    address,
		Supervisor: sup,
		Log:        logFactory.NewLogger("http"),
	}
	err = srv.Init()
	if err != nil {
		return bindError{wrapped: err}
	}
	defer srv.Close()

	printBanner(address)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch

	fmt.Println("shutting down")
	return nil
}

// printBanner is always shown, independently of the log verbosity.
func printBanner(address string) {
	lines := []string{
		"mirru " + version,
		"",
		"WHIP ingest:   http://" + address + "/whip",
		"control panel: http://" + address + "/",
	}

	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}

	fmt.Println("+" + strings.Repeat("-", width+2) + "+")
	for _, l := range lines {
		fmt.Println("| " + l + strings.Repeat(" ", width-len(l)) + " |")
	}
	fmt.Println("+" + strings.Repeat("-", width+2) + "+")
}
