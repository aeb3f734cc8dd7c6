// Command-line interface to the tomothumb thumbnail generator.
// Provides batch generation, cache inspection, and maintenance commands.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cryoetlab/tomothumb/gallery"
	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/project"
	"github.com/cryoetlab/tomothumb/tomo"
	"github.com/cryoetlab/tomothumb/volume"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to TOML configuration file.
	configFile = flag.String("config", "", "")

	// Write log messages to this file instead of stdout.
	logPath = flag.String("logpath", "", "")

	// Seconds to wait for workers when shutting down.
	timeoutSecs = flag.Int("timeout", 5, "")
)

const helpMessage = `
tomothumb generates and manages cached thumbnails for cryo-ET projects

Usage: tomothumb [options] <command>

      -config     =string   Path to TOML configuration file.
      -logpath    =string   Write log messages to this file instead of stdout.
      -timeout    =number   Seconds to wait for workers during shutdown (default 5).
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	generate <project> [run ...]
	         Generate thumbnails for the named runs, or for every run in
	         the project if none are named.  <project> is a project
	         directory or its config.json.
	         Settings: app=<namespace> cache=<dir> format=<codec[:quality]>
	         target=<pixels>
	verify   <project> [level=<n>]
	         Open every tomogram volume in the project and report whether
	         its preview plane is readable.
	info     [project]
	         Show cache statistics, scoped to the project if given.
	         Settings: app=<namespace> cache=<dir>
	clear    [project]
	         Remove cached thumbnails, scoped to the project if given.
	version  Show version information.
	help     Show this message.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		tomo.Verbose = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	config := gallery.DefaultConfig()
	if *configFile != "" {
		var err error
		config, err = gallery.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}
	if *logPath != "" {
		config.Logging.Logfile = *logPath
	}
	config.Logging.SetLogger()

	command := tomo.Command(flag.Args())
	if err := applySettings(command, config); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if err := DoCommand(command, config); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		tomo.LogShutdown()
		os.Exit(1)
	}
	tomo.LogShutdown()
}

// applySettings folds "key=value" command settings into the configuration.
func applySettings(cmd tomo.Command, config *gallery.Config) error {
	if app, found := cmd.Parameter(tomo.KeyApp); found {
		config.Cache.Namespace = app
	}
	if dir, found := cmd.Parameter(tomo.KeyCacheDir); found {
		config.Cache.Path = dir
	}
	if format, found := cmd.Parameter(tomo.KeyFormat); found {
		config.Cache.Format = format
	}
	if target, found := cmd.Parameter(tomo.KeyTargetSize); found {
		n, err := strconv.Atoi(target)
		if err != nil || n <= 0 {
			return fmt.Errorf("target must be a positive number of pixels, got %q", target)
		}
		config.Preview.TargetSize = n
	}
	return nil
}

func shutdownTimeout() time.Duration {
	if *timeoutSecs < 0 {
		return 0
	}
	return time.Duration(*timeoutSecs) * time.Second
}

// DoCommand serves as a switchboard for commands.
func DoCommand(cmd tomo.Command, config *gallery.Config) error {
	switch cmd.Name() {
	case "generate":
		return DoGenerate(cmd, config)
	case "verify":
		return DoVerify(cmd)
	case "info":
		return DoInfo(cmd, config)
	case "clear":
		return DoClear(cmd, config)
	case "version":
		fmt.Println(gallery.Versions())
	default:
		return fmt.Errorf("Unknown command: %s", cmd)
	}
	return nil
}

// openGallery composes a gallery and opens the project at projectPath if
// one was given.
func openGallery(config *gallery.Config, projectPath string) (*gallery.Gallery, error) {
	g, err := gallery.New(config)
	if err != nil {
		return nil, err
	}
	if projectPath != "" {
		if _, err := g.OpenProject(projectPath); err != nil {
			g.Shutdown(0)
			return nil, err
		}
	}
	return g, nil
}

// DoGenerate performs the "generate" command, producing thumbnails for a
// project's runs.
func DoGenerate(cmd tomo.Command, config *gallery.Config) error {
	var projectPath string
	runNames := cmd.CommandArgs(&projectPath)
	if projectPath == "" {
		return fmt.Errorf("generate command must be followed by the path to a project")
	}
	g, err := openGallery(config, projectPath)
	if err != nil {
		return err
	}

	// Capture ctrl+c and other interrupts for graceful pool shutdown.
	stopSig := make(chan os.Signal, 1)
	go func() {
		for sig := range stopSig {
			tomo.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
			g.Shutdown(shutdownTimeout())
			tomo.LogShutdown()
			os.Exit(1)
		}
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	timedLog := tomo.NewTimeLog()
	tasks, err := g.GenerateAll(runNames, false)
	if err != nil {
		g.Shutdown(shutdownTimeout())
		return err
	}
	failed := 0
	for _, task := range tasks {
		<-task.Done()
		if _, err := task.Result(); err != nil {
			tomo.Errorf("Thumbnail for run %q failed: %v\n", task.ID, err)
			failed++
		}
	}
	g.Shutdown(shutdownTimeout())
	signal.Stop(stopSig)

	p := g.Project()
	timedLog.Infof("Generated %d of %d thumbnails for project %q", len(tasks)-failed, len(tasks), p.Name())
	fmt.Printf("Generated %d of %d thumbnails under %s\n", len(tasks)-failed, len(tasks), g.Cache().Root())
	if failed > 0 {
		return fmt.Errorf("%d of %d thumbnails failed", failed, len(tasks))
	}
	return nil
}

// DoVerify performs the "verify" command, opening every tomogram volume in
// a project and reading its preview plane.
func DoVerify(cmd tomo.Command) error {
	var projectPath string
	cmd.CommandArgs(&projectPath)
	if projectPath == "" {
		return fmt.Errorf("verify command must be followed by the path to a project")
	}
	levelOverride := -1
	if levelStr, found := cmd.Parameter(tomo.KeyLevel); found {
		n, err := strconv.Atoi(levelStr)
		if err != nil || n < 0 {
			return fmt.Errorf("level must be a non-negative number, got %q", levelStr)
		}
		levelOverride = n
	}

	p, err := project.Load(projectPath)
	if err != nil {
		return err
	}
	fmt.Printf("Verifying project %q (%s)\n", p.Name(), p.ID())

	ctx := context.Background()
	var checked, bad int
	for _, run := range p.Runs() {
		for _, vs := range run.VoxelSpacings() {
			for _, tom := range vs.Tomograms() {
				checked++
				if err := verifyTomogram(ctx, tom, levelOverride); err != nil {
					bad++
					fmt.Printf("FAIL  %s / %s @ %g: %v\n", run.Name(), tom.Type(), vs.Spacing(), err)
				} else {
					fmt.Printf("ok    %s / %s @ %g\n", run.Name(), tom.Type(), vs.Spacing())
				}
			}
		}
	}
	fmt.Printf("Checked %d tomograms, %d unreadable.\n", checked, bad)
	if bad > 0 {
		return fmt.Errorf("%d of %d tomograms are unreadable", bad, checked)
	}
	return nil
}

// verifyTomogram reads a decimated plane from the tomogram's volume, using
// the coarsest level unless one was named.
func verifyTomogram(ctx context.Context, tom preview.Tomogram, level int) error {
	vol, err := tom.Volume(ctx)
	if err != nil {
		return err
	}
	levels := vol.Levels()
	lv, err := volume.Coarsest(levels)
	if err != nil {
		return err
	}
	if level >= 0 {
		found := false
		for _, l := range levels {
			if l.Key == level {
				lv = l
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("volume has no level %d", level)
		}
	}
	sy := lv.Shape.Height() / 64
	if sy < 1 {
		sy = 1
	}
	sx := lv.Shape.Width() / 64
	if sx < 1 {
		sx = 1
	}
	_, err = vol.ReadPlane(ctx, lv.Key, lv.Shape.Depth()/2, sy, sx)
	return err
}

// DoInfo performs the "info" command, printing cache statistics.
func DoInfo(cmd tomo.Command, config *gallery.Config) error {
	var projectPath string
	cmd.CommandArgs(&projectPath)
	g, err := openGallery(config, projectPath)
	if err != nil {
		return err
	}
	defer g.Shutdown(0)

	info, err := g.Info()
	if err != nil {
		return err
	}
	if p := g.Project(); p != nil {
		fmt.Printf("Project:      %s (%s)\n", p.Name(), p.ID())
	}
	fmt.Printf("Cache root:   %s\n", info.Root)
	fmt.Printf("Entries:      %d\n", info.Entries)
	fmt.Printf("Total size:   %s (%d bytes)\n", info.Size, info.Bytes)
	if info.HotAttempts > 0 || info.HotEntries > 0 {
		fmt.Printf("Hot layer:    %d entries, %d / %d hits\n",
			info.HotEntries, info.HotHits, info.HotAttempts)
	}
	return nil
}

// DoClear performs the "clear" command, removing cached thumbnails.
func DoClear(cmd tomo.Command, config *gallery.Config) error {
	var projectPath string
	cmd.CommandArgs(&projectPath)
	g, err := openGallery(config, projectPath)
	if err != nil {
		return err
	}
	defer g.Shutdown(0)

	if err := g.ClearCache(); err != nil {
		return err
	}
	fmt.Printf("Cleared thumbnail cache at %s\n", g.Cache().Root())
	return nil
}
