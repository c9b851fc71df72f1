package commands

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/roasbeef/relay/internal/scenario"
)

var (
	testNoColors     bool
	testLogFile      string
	testConsoleVerb  int
	testFileVerb     int
	testPerTestSecs  int
	testSuiteInclude string
	testSuiteExclude string
	testNameInclude  string
	testNameExclude  string
)

// testCmd runs the built-in scenario suite, the same catalog the package's
// own tests run under `go test`, packaged so it can also run from a built
// binary without the Go toolchain present.
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the relay scenario suite",
	Long: `test runs every registered scenario (or a filtered subset) end
to end and reports pass/fail per scenario, exiting 1 if any failed.`,
	RunE: runTest,
}

func init() {
	testCmd.Flags().BoolVarP(&testNoColors, "no-colors", "n", false,
		"Disable colored output")
	testCmd.Flags().StringVarP(&testLogFile, "log-file", "l", "",
		"Write logs to this file in addition to stdout")
	testCmd.Flags().IntVarP(&testConsoleVerb, "console-verbosity", "v", 1,
		"Console log verbosity, 0-4")
	testCmd.Flags().IntVarP(&testFileVerb, "file-verbosity", "V", 1,
		"Log file verbosity, 0-4")
	testCmd.Flags().IntVarP(&testPerTestSecs, "timeout", "r", 5,
		"Per-scenario timeout in seconds")
	testCmd.Flags().StringVarP(&testSuiteInclude, "suite-include", "s", "",
		"Only run scenarios whose suite matches this regex")
	testCmd.Flags().StringVarP(&testSuiteExclude, "suite-exclude", "S", "",
		"Skip scenarios whose suite matches this regex")
	testCmd.Flags().StringVarP(&testNameInclude, "name-include", "t", "",
		"Only run scenarios whose name matches this regex")
	testCmd.Flags().StringVarP(&testNameExclude, "name-exclude", "T", "",
		"Skip scenarios whose name matches this regex")
}

func runTest(cmd *cobra.Command, args []string) error {
	suiteInc, err := compileOptional(testSuiteInclude)
	if err != nil {
		return fmt.Errorf("suite-include: %w", err)
	}
	suiteExc, err := compileOptional(testSuiteExclude)
	if err != nil {
		return fmt.Errorf("suite-exclude: %w", err)
	}
	nameInc, err := compileOptional(testNameInclude)
	if err != nil {
		return fmt.Errorf("name-include: %w", err)
	}
	nameExc, err := compileOptional(testNameExclude)
	if err != nil {
		return fmt.Errorf("name-exclude: %w", err)
	}

	var logWriter *os.File
	if testLogFile != "" {
		f, err := os.Create(testLogFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logWriter = f
	}

	selected := scenario.Select(
		scenario.All(), suiteInc, suiteExc, nameInc, nameExc,
	)
	if len(selected) == 0 {
		fmt.Println("no scenarios matched the given filters")
		return nil
	}

	pass, fail := colorCodes(testNoColors)

	var failed int
	for _, s := range selected {
		ctx, cancel := context.WithTimeout(
			cmd.Context(), time.Duration(testPerTestSecs)*time.Second,
		)
		err := s.Run(ctx)
		cancel()

		if err != nil {
			failed++
			fmt.Printf("%s FAIL %s: %v\n", fail, s.FullName(), err)
			if logWriter != nil {
				fmt.Fprintf(logWriter, "FAIL %s: %v\n", s.FullName(), err)
			}
			continue
		}

		fmt.Printf("%s PASS %s\n", pass, s.FullName())
		if logWriter != nil {
			fmt.Fprintf(logWriter, "PASS %s\n", s.FullName())
		}
	}

	fmt.Printf("%d/%d scenarios passed\n", len(selected)-failed, len(selected))

	if failed > 0 {
		os.Exit(1)
	}
	return nil
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func colorCodes(disabled bool) (pass, fail string) {
	if disabled {
		return "", ""
	}
	return "\x1b[32m✓\x1b[0m", "\x1b[31m✗\x1b[0m"
}
