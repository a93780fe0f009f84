package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kyu-n/composegif"
	"go.uber.org/zap"
)

var (
	help    bool
	project string
)

func main() {
	t0 := time.Now()
	opt := initAndParseFlags()
	sources := flag.Args()
	if !opt.Quiet {
		fmt.Printf("composegif %v\n", composegif.Version)
	}

	var l *zap.Logger
	var err error
	if opt.Verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("zap.New failed: %v", err)
	}
	defer l.Sync()

	if help {
		composegif.PrintHelp()
		flag.PrintDefaults()
		return
	}
	if project == "" && len(sources) == 0 {
		composegif.PrintUsage()
		return
	}

	var c *composegif.Composition
	if project != "" {
		c, err = composegif.NewFromProject(opt, project)
		if err != nil {
			l.Fatal("load project", zap.String("path", project), zap.Error(err))
		}
	} else {
		c, err = composegif.NewFromPath(opt, sources...)
		if err != nil {
			l.Fatal("load sources", zap.Strings("sources", sources), zap.Error(err))
		}
	}
	for _, warning := range c.Warnings {
		l.Warn(warning)
	}

	first := project
	if first == "" {
		first = sources[0]
	}
	dest := composegif.DestinationFilename(first, opt)
	w, err := os.Create(dest)
	if err != nil {
		l.Fatal("create output", zap.String("path", dest), zap.Error(err))
	}
	defer w.Close()
	if _, err = c.WriteTo(w); err != nil {
		l.Fatal("encode", zap.String("path", dest), zap.Error(err))
	}

	if !opt.Quiet {
		fmt.Printf("wrote %q from %d layer(s)\n", dest, len(c.Layers()))
		fmt.Printf("elapsed: %v\n", time.Since(t0))
	}
}

func initAndParseFlags() (opt composegif.Options) {
	flag.BoolVar(&help, "h", false, "help")
	flag.BoolVar(&help, "help", false, "help")
	flag.StringVar(&project, "project", "", "compose from a yaml project manifest instead of positional sources")

	flag.BoolVar(&opt.Quiet, "q", false, "quiet")
	flag.BoolVar(&opt.Quiet, "quiet", false, "quiet, only display errors")
	flag.BoolVar(&opt.Verbose, "v", false, "verbose")
	flag.BoolVar(&opt.Verbose, "verbose", false, "verbose output")
	flag.StringVar(&opt.OutFile, "o", "", "out")
	flag.StringVar(&opt.OutFile, "out", "", "specify outfile.gif, by default it changes extension to .gif")
	flag.StringVar(&opt.TargetDir, "td", "", "targetdir")
	flag.StringVar(&opt.TargetDir, "targetdir", "", "specify targetdir")
	flag.IntVar(&opt.Scale, "s", 1, "scale")
	flag.IntVar(&opt.Scale, "scale", 1, "integer upscale factor 1..16")
	flag.StringVar(&opt.Filter, "f", "nearest", "filter")
	flag.StringVar(&opt.Filter, "filter", "nearest", "upscale filter: nearest, bilinear or bicubic")
	flag.IntVar(&opt.DelayMs, "delay", 0, "override the output frame delay in milliseconds")
	flag.Parse()
	return opt
}
