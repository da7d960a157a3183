package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative
// tty width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a local DNS stub resolver that flattens multi-record answers

SYNOPSIS
          {{.ProgramName}} [options]

DESCRIPTION
          {{.ProgramName}} is a drop-in replacement for systemd-resolved's stub listener. It
          accepts DNS queries on a local address (normally 127.0.0.53:53), forwards them to the
          upstream servers configured in resolved.conf, and returns a response whose Answer
          section has been flattened to at most one record per distinct RR type.

          Configuration is resolved the same way systemd-resolved resolves it: the main config
          file, its drop-in directory, then - if no DNS server is configured by either - a
          networkctl status query, /etc/resolv.conf, and finally FallbackDNS promotion. If none of
          those yield a DNS server the program refuses to start.

OPTIONS
          [-config path] [-dropin-dir path]
          [-h] [-v]
          [-i status-report-interval]
          [--gops] [--cpu-profile file] [--mem-profile file]
          [--user userName] [--group groupName] [--chroot directory]
          [--version]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	if err := tmpl.Execute(out, consts); err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")

	flagSet.StringVar(&cfg.configPath, "config", consts.DefaultResolvedConfPath, "`path` to resolved.conf")
	flagSet.StringVar(&cfg.dropInDir, "dropin-dir", consts.DefaultDropInDir, "`path` to resolved.conf drop-in directory")

	flagSet.DurationVar(&cfg.statusInterval, "i", time.Minute*15, "Periodic Status Report `interval`")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
