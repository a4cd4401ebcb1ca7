// The ecfsgen command drives the ecfs reconstruction pipeline against a
// core file and a still-living pid, writing the ECFS file to a separate
// output path (corefile+".ecfs" unless -out says otherwise).
// Run "ecfsgen -h" for flag documentation.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ecfs-tools/ecfs/internal/config"
	"github.com/ecfs-tools/ecfs/internal/ecfs"
)

func usage() {
	fmt.Fprint(os.Stderr, `
Usage:

        ecfsgen -core corefile -pid pid [flags]
        ecfsgen -config config.yaml

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	corePath := flag.String("core", "", "path to the core file to reconstruct")
	pid := flag.Int("pid", 0, "pid of the still-living process the core came from")
	outPath := flag.String("out", "", "output path (defaults to corefile+\".ecfs\")")
	tempDir := flag.String("tempdir", "", "directory for TextMerge's temporary files")
	ramdisk := flag.Bool("ramdisk", false, "route temp files through /dev/shm")
	heuristics := flag.Bool("heuristics", false, "enable injected-library heuristics")
	configPath := flag.String("config", "", "load settings from a YAML config file instead of flags")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	var cfg ecfs.Config
	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ecfsgen: %v\n", err)
			os.Exit(2)
		}
		setLogLevel(fileCfg.LogLevel)
		cfg = ecfs.Config{
			CorePath:   fileCfg.CorePath,
			Pid:        fileCfg.Pid,
			OutPath:    fileCfg.OutPath,
			TempDir:    fileCfg.TempDir,
			UseRamdisk: fileCfg.UseRamdisk,
			Heuristics: fileCfg.Heuristics,
		}
	} else {
		setLogLevel(*logLevel)
		if *corePath == "" || *pid == 0 {
			fmt.Fprintln(os.Stderr, "ecfsgen: -core and -pid are required when -config is not given")
			usage()
			os.Exit(2)
		}
		cfg = ecfs.Config{
			CorePath:   *corePath,
			Pid:        *pid,
			OutPath:    *outPath,
			TempDir:    *tempDir,
			UseRamdisk: *ramdisk,
			Heuristics: *heuristics,
		}
	}
	if cfg.OutPath == "" {
		cfg.OutPath = cfg.CorePath + ".ecfs"
	}

	h, err := ecfs.Run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ecfsgen: reconstruction failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s (personality=%s)\n", h.OutPath, h.Persona)
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	ecfs.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
