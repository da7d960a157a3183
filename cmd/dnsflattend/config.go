package main

import (
	"time"
)

type config struct {
	gops    bool
	help    bool
	verbose bool
	version bool

	configPath string // path to resolved.conf
	dropInDir  string // path to resolved.conf.d

	statusInterval time.Duration

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string // Process constraint settings
}
