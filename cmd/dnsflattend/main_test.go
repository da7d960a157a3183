package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// We use a bytes.Buffer as stdout/stderr which is shared across multiple go-routines so we need to
// protect it from concurrent access. This is test-only code but -race doesn't know that.
type mutexBytesBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (t *mutexBytesBuffer) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buffer.Write(p)
}

func (t *mutexBytesBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buffer.String()
}

func mustFreePort(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// writeResolvedConf writes a minimal resolved.conf fixture. bindAddress is an ephemeral
// 127.0.0.1:port so the test doesn't need root to bind the stub listener's default 127.0.0.53:53.
func writeResolvedConf(t *testing.T, dns, bindAddress string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolved.conf")
	content := "[Resolve]\nDNS=" + dns + "\nBindAddress=" + bindAddress + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type mainTestCase struct {
	description string
	willRunFor  time.Duration // dnsflattend should run for this amount of time before being terminated
	extraArgs   []string
	stdout      []string
	stderr      string
	dns         string // resolved.conf DNS= value, "" skips writing a config file
}

var mainTestCases = []mainTestCase{
	{"good config, quiet", 100 * time.Millisecond, nil, nil, "", "8.8.8.8:53"},
	{"good config, verbose", 100 * time.Millisecond, []string{"-v"}, []string{"Starting", "Exiting"}, "", "8.8.8.8:53"},
	{"status report", 1200 * time.Millisecond, []string{"-v", "-i", "1s"}, []string{"Status Up:"}, "", "8.8.8.8:53"},
}

func TestMain(t *testing.T) {
	for _, tc := range mainTestCases {
		t.Run(tc.description, func(t *testing.T) {
			confPath := writeResolvedConf(t, tc.dns, mustFreePort(t))
			args := []string{"dnsflattend", "-config", confPath, "-dropin-dir", filepath.Join(t.TempDir(), "no-such-dir")}
			args = append(args, tc.extraArgs...)

			out := &mutexBytesBuffer{}
			errOut := &mutexBytesBuffer{}
			mainInit(out, errOut)

			done := make(chan error, 1)
			go func() {
				done <- waitForMainExecute(t, tc.willRunFor)
			}()

			ec := mainExecute(args)
			if e := <-done; e != nil {
				t.Log("stdout:", out.String())
				t.Log("stderr:", errOut.String())
				t.Fatal(e)
			}

			if ec != 0 {
				t.Error("expected a zero exit code, got", ec, errOut.String())
			}

			outStr := out.String()
			errStr := errOut.String()
			if len(errStr) > 0 && len(tc.stderr) == 0 {
				t.Error("did not expect a fatal error:", errStr)
			}
			for _, o := range tc.stdout {
				if !strings.Contains(outStr, o) {
					t.Error("expected stdout to contain:", o, "got:", outStr)
				}
			}
		})
	}
}

func TestNextInterval(t *testing.T) {
	tt := []struct {
		now      time.Time
		interval time.Duration
		nextIn   time.Duration
	}{
		{time.Date(2019, 5, 7, 1, 1, 1, 0, time.UTC), time.Minute, time.Second * 59},
		{time.Date(2019, 5, 7, 1, 13, 58, 0, time.UTC), time.Minute * 15, time.Minute + time.Second*2},
		{time.Date(2019, 5, 7, 1, 1, 1, 0, time.UTC), time.Hour, time.Minute*58 + time.Second*59},
	}

	for tx, tc := range tt {
		t.Run(fmt.Sprintf("%d", tx), func(t *testing.T) {
			nextIn := nextInterval(tc.now, tc.interval)
			if nextIn != tc.nextIn {
				t.Error("nextIn NE: now", tc.now, "interval", tc.interval, "want", tc.nextIn, "got", nextIn)
			}
		})
	}
}

// Test that SIGUSR1 causes a stats report without terminating the run loop.
func TestUSR1(t *testing.T) {
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	confPath := writeResolvedConf(t, "8.8.8.8:53", mustFreePort(t))
	args := []string{"dnsflattend", "-config", confPath, "-dropin-dir", filepath.Join(t.TempDir(), "no-such-dir")}
	mainInit(out, errOut)
	go func() {
		for ix := 0; ix < 10 && !mainStarted; ix++ {
			time.Sleep(100 * time.Millisecond)
		}
		stopChannel <- syscall.SIGUSR1
		time.Sleep(200 * time.Millisecond)
		stopMain()
	}()
	ec := mainExecute(args)
	if ec != 0 {
		t.Error("expected zero exit return, not", ec, errOut.String())
	}
	if !strings.Contains(out.String(), "User1") {
		t.Error("expected a User1 status report, got", out.String())
	}
}

// waitForMainExecute polls mainStarted/mainStopped to make sure mainExecute() starts up and
// terminates as expected, then asks it to stop after howLong.
func waitForMainExecute(t *testing.T, howLong time.Duration) error {
	for ix := 0; ix < 10; ix++ {
		if mainStarted {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !mainStarted {
		return fmt.Errorf("mainStarted did not get set after one second")
	}
	time.Sleep(howLong)
	stopMain()
	for ix := 0; ix < 10; ix++ {
		if mainStopped {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !mainStopped {
		return fmt.Errorf("mainStopped did not get set one second after stopMain() call for %s", t.Name())
	}

	return nil
}
