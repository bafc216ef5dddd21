package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apk-analysis/apk-repack-go/internal/apktool"
	"github.com/apk-analysis/apk-repack-go/internal/config"
	"github.com/apk-analysis/apk-repack-go/internal/icon"
	"github.com/apk-analysis/apk-repack-go/internal/manifest"
	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/apk-analysis/apk-repack-go/internal/toolrunner"
	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

const usage = `repack - APK repackaging tool

Decompiles an APK, rewrites its package name, display name and launcher icon,
then rebuilds, re-signs and restores the distribution channel.

Usage:
  repack describe <apk> [--config=<path>]
  repack run <apk> [--package=<name>] [--name=<label>] [--icon=<path>] [--config=<path>]
  repack inspect <apk>
  repack check [--config=<path>]
  repack -h | --help
  repack --version

Commands:
  describe  Decompile the APK and print package name, display name and best icon
  run       Repackage the APK; the result is written next to it as <apk>.repacked.apk
  inspect   Print the package name from the binary manifest without decompiling
  check     Verify java, tool jars and keystore

Options:
  --package=<name>   New package name (defaults to the current one)
  --name=<label>     New display name (defaults to the current one)
  --icon=<path>      New launcher icon image (png, jpeg or webp)
  --config=<path>    Config file [default: ./configs/config.yaml]
  -h --help          Show this help message
  --version          Show version

Environment Variables:
  JAVA_HOME          Used to locate java when tools.java is not configured
  KEYSTORE_PASS      Overrides tools.keystore_password

Examples:
  repack describe app.apk
  repack run app.apk --package=com.example.white --name="White Label" --icon=logo.png
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if describe, _ := opts.Bool("describe"); describe {
		err = runDescribe(ctx, opts)
	} else if run, _ := opts.Bool("run"); run {
		err = runRepack(ctx, opts)
	} else if inspect, _ := opts.Bool("inspect"); inspect {
		err = runInspect(opts)
	} else if check, _ := opts.Bool("check"); check {
		err = runCheck(opts)
	}
	if err != nil {
		// 阶段失败已以 "error: <stage>: <cause>" 输出
		var stageErr *pipeline.StageError
		if !errors.As(err, &stageErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// setup 加载配置并组装工具链与流程
func setup(opts docopt.Opts) (*apktool.Toolchain, *pipeline.Service, error) {
	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := config.InitLogger(&cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	// 标准输出只留给结果
	if cfg.Log.File == "" {
		logger.SetOutput(os.Stderr)
	}

	tools := apktool.New(toolrunner.NewExecRunner(logger, cfg.Tools.Timeout), apktool.ConfigFrom(cfg.Tools), logger)
	rewriter := manifest.NewRewriter(logger)
	resolver := icon.NewResolver(icon.PNGCodec{}, rewriter, logger)
	svc := pipeline.NewService(tools, rewriter, resolver, pipeline.Options{
		CacheRoot:        cfg.CacheDir,
		CleanupOnSuccess: !cfg.Tools.KeepArtifacts,
		KeepRuns:         cfg.Tools.KeepRuns,
	}, logger)

	svc.AddListener(func(event pipeline.Event) {
		logger.WithFields(logrus.Fields{
			"state": event.State,
			"stage": event.Stage,
		}).Debug("Run state changed")
	})
	return tools, svc, nil
}

func runDescribe(ctx context.Context, opts docopt.Opts) error {
	apkPath, _ := opts.String("<apk>")
	_, svc, err := setup(opts)
	if err != nil {
		return err
	}

	info, err := svc.UnpackAndDescribe(ctx, apkPath)
	if err != nil {
		fmt.Println(pipeline.Outcome(err))
		return err
	}

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRepack(ctx context.Context, opts docopt.Opts) error {
	apkPath, _ := opts.String("<apk>")
	packageName, _ := opts.String("--package")
	displayName, _ := opts.String("--name")
	iconPath, _ := opts.String("--icon")

	_, svc, err := setup(opts)
	if err != nil {
		return err
	}

	fmt.Printf("Repackaging: %s\n", apkPath)
	if packageName != "" {
		fmt.Printf("New package: %s\n", packageName)
	}
	if displayName != "" {
		fmt.Printf("New name: %s\n", displayName)
	}
	if iconPath != "" {
		fmt.Printf("New icon: %s\n", iconPath)
	}
	fmt.Println()

	run, err := svc.RewriteAndRepackage(ctx, pipeline.Request{
		SourceAPK:   apkPath,
		PackageName: packageName,
		DisplayName: displayName,
		IconPath:    iconPath,
	})
	fmt.Println(pipeline.Outcome(err))
	if err != nil {
		return err
	}

	fmt.Printf("Output: %s\n", run.FinalAPK)
	if run.Channel != "" {
		fmt.Printf("Channel: %s\n", run.Channel)
	}
	return nil
}

func runInspect(opts docopt.Opts) error {
	apkPath, _ := opts.String("<apk>")
	name, err := apktool.PackageName(apkPath)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}

func runCheck(opts docopt.Opts) error {
	tools, _, err := setup(opts)
	if err != nil {
		return err
	}

	cfg := tools.Config()
	if java, err := tools.JavaExecutable(); err == nil {
		fmt.Printf("java:            %s\n", java)
	}
	fmt.Printf("apktool:         %s\n", cfg.ApktoolJar)
	fmt.Printf("uber-apk-signer: %s\n", cfg.ApkSignerJar)
	fmt.Printf("vasdolly:        %s\n", cfg.VasDollyJar)
	fmt.Printf("keystore:        %s\n", cfg.Keystore)

	problems := tools.Verify()
	if cert, err := apktool.CheckKeystore(cfg.Keystore, cfg.KeystorePassword); err != nil {
		problems = append(problems, err)
	} else if cert != nil {
		fmt.Printf("certificate:     %s (expires %s)\n", cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"))
	}

	if len(problems) == 0 {
		fmt.Println("\nAll tools ready")
		return nil
	}
	fmt.Println()
	for _, p := range problems {
		fmt.Printf("  - %v\n", p)
	}
	return fmt.Errorf("%d problem(s) found", len(problems))
}
