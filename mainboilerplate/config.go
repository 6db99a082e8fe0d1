// Package mainboilerplate contains shared initialization for this project's
// programs: configuration parsing, logging, and diagnostics. Each helper is
// narrowly scoped so a program can adopt them piecemeal.
package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate are stamped at build time via -ldflags.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// configSearchPath returns the directories searched for an INI file, in
// order of precedence.
func configSearchPath() []string {
	return []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "lane"),
	}
}

// MustParseConfig parses |parser|'s configuration from an optional INI file
// named |configName|, environment bindings, and command-line flags, in
// increasing order of precedence. Parse failures exit the program.
func MustParseConfig(parser *flags.Parser, configName string) {
	// An INI file may hold options of commands other than the one being run;
	// tolerate unknown options while reading it.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)
	for _, prefix := range configSearchPath() {
		var err = iniParser.ParseFile(filepath.Join(prefix, configName))
		if err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs parses command-line arguments, exiting on error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration object itself is malformed. That's a programming
		// error, not bad input.
		panic(err)

	case flags.ErrCommandRequired:
		// Running the bare binary is a common first step; extend go-flags'
		// one-line complaint with the full usage.
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		writeVersion(os.Stderr)
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
		}
		writeVersion(os.Stderr)
		os.Exit(1)

	default:
		// Bad input. go-flags has already printed a helpful message.
		os.Exit(1)
	}
}

func writeVersion(w *os.File) {
	fmt.Fprintf(w, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd registers a "print-config" command, which writes the
// fully-resolved runtime configuration to stdout in INI format. It lets
// operators check what a program would actually run with.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config resolves configuration from `+configName+`, environment
variables, and flags, and writes the result to stdout as INI.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
