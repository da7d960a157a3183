// dnsflattend listens for inbound DNS queries and forwards them to the upstream servers
// discovered via resolved.conf, flattening each response's Answer section to at most one record
// per RR type before returning it to the client.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/dnsflatten/dnsflatten/internal/cache"
	"github.com/dnsflatten/dnsflatten/internal/constants"
	"github.com/dnsflatten/dnsflatten/internal/dnslog"
	"github.com/dnsflatten/dnsflatten/internal/handler"
	"github.com/dnsflatten/dnsflatten/internal/listener"
	"github.com/dnsflatten/dnsflatten/internal/osutil"
	"github.com/dnsflatten/dnsflatten/internal/reporter"
	"github.com/dnsflatten/dnsflatten/internal/resolveconf"
	"github.com/dnsflatten/dnsflatten/internal/upstream"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool // Record state transitions thru main (used by tests)
	stopChannel              chan os.Signal
	flagSet                  *flag.FlagSet
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution. stopChannel is buffered as the reader may disappear if there is a fatal error and
// multiple writers may try to write to the channel and we don't want those writers to stall
// forever.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4) // All reasonable signals cause us to quit or stats report
	signal.Notify(stopChannel, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	dnslog.SetVerbose(cfg.verbose)

	parser := resolveconf.NewParser()
	parser.ConfPath = cfg.configPath
	parser.DropInDir = cfg.dropInDir

	rcfg, err := parser.Resolve()
	if err != nil {
		return fatal(err)
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
	}

	// Start CPU profiling now that most error checking is complete

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile is triggered at the end of the program but we open the output file and
	// hold it open prior to any possible chroot/setuid/setgid action.

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	var reporters []reporter.Reporter // Keep track of all reportable routines

	var c handler.Cache
	if rcfg.Cache {
		cc := cache.New(0)
		reporters = append(reporters, cc)
		c = cc
	}

	resolver := upstream.New(rcfg.DNS, rcfg.FallbackDNS)
	reporters = append(reporters, resolver)

	h := handler.New(c, resolver)
	reporters = append(reporters, h)

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Starting:", "dns=", rcfg.DNS, "fallback=", rcfg.FallbackDNS)
	}

	var lst *listener.Listener
	if rcfg.DNSStubListener {
		lst = listener.New(rcfg.BindAddress, rcfg.DNSStubListenerExtra, h)
		if err := lst.Start(); err != nil {
			return fatal(err)
		}
		reporters = append(reporters, lst)
		if cfg.verbose {
			fmt.Fprintln(stdout, "Listening on", rcfg.BindAddress, rcfg.DNSStubListenerExtra)
		}
	}

	// Constrain the process via setuid/setgid/chroot. This is a no-op call if all parameters
	// are empty strings.

	if err := osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir); err != nil {
		return fatal(err)
	}
	if cfg.verbose {
		fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	// Loop forever giving periodic status reports and checking for a termination event.

	mainStarted = true // Tell testers that we're up and running
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if s == syscall.SIGUSR1 {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running // All signals bar USR1 cause loop exit

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	if lst != nil {
		lst.Close()
	}

	mainStopped = true

	if cfg.verbose {
		statusReport("Status", true, reporters) // One last report prior to exiting
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())
	}

	// Memory profile is written at the end of the program

	if memProfileFile != nil {
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(memProfileFile); err != nil {
			return fatal(err)
		}
	}

	return 0
}

// nextInterval calculates the duration to the modulo interval next time. If now is 00:01:17 and
// interval is 30s then return is 13s which is the duration to the next modulo of 00:01:30.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

// uptime calculates how long this server has been running and returns a print-friendly,
// granularity-appropriate representation of that duration.
func uptime() string {
	return time.Now().Sub(startTime).Truncate(time.Second).String()
}

// statusReport prints stats about the server and all known reporters.
func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
