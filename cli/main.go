package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/schollz/progressbar/v3"

	"disaggbench/collector"
	"disaggbench/config"
	"disaggbench/coordinator"
	"disaggbench/dispatch"
	"disaggbench/monitor"
	"disaggbench/node"
	"disaggbench/plan"
	"disaggbench/util"
)

const usage = `Usage: orchestrator [flags] <phase> <action> [target]

Actions:
  list                     show the phase plan's layers and patterns
  deploy                   upload the phase's task definitions to S3
  run <layer|pattern|all>  execute one layer, one pattern, or the whole plan
  status                   node agent health plus a run log snapshot
  watch                    follow the run log until the plan finishes
  collect-results          stage result artifacts from both nodes
`

func main() {
	planDir := flag.String("plan-dir", "plans", "Directory containing <phase>.json plan files.")
	definitionDir := flag.String("definitions-dir", "task-definitions", "Directory containing rendered task definitions, one subdirectory per phase.")
	envFile := flag.String("env", ".env", "Optional .env file with node and bucket settings.")
	logPath := flag.String("log", "run.log", "The run log file. Appended to by run, read by status and watch.")
	dryRun := flag.Bool("dry-run", false, "For run: print what would execute without dispatching anything.")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	phase, action := flag.Arg(0), flag.Arg(1)

	p, err := plan.Load(planPath(*planDir, phase))
	if err != nil {
		panic(err)
	}

	if action == "list" {
		listPlan(p)
		return
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithEC2IMDSRegion())
	if err != nil {
		panic(err)
	}
	ssmClient := ssm.NewFromConfig(awsCfg)
	ec2Client := ec2.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)

	node1, node2, err := resolveNodes(ctx, cfg, ec2Client)
	if err != nil {
		panic(err)
	}
	dispatcher := dispatch.NewDispatcher(ssmClient)
	dispatcher.OutputBucket = cfg.ScriptsBucket
	dispatcher.OutputPrefix = path.Join("invocations", phase, util.Randstring(8))

	switch action {
	case "deploy":
		err = deploy(ctx, s3Client, *definitionDir, phase, cfg.ScriptsBucket)
	case "run":
		if flag.NArg() < 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = run(ctx, p, dispatcher, node1, node2, *definitionDir, *logPath, flag.Arg(2), *dryRun)
	case "status":
		err = status(ctx, p, ssmClient, node1, node2, *logPath)
	case "watch":
		err = monitor.New(p).Watch(ctx, *logPath, 15*time.Second)
	case "collect-results":
		err = collectResults(ctx, dispatcher, s3Client, cfg, node1, node2)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", slog.String("action", action), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// planPath is a local filesystem path, unlike the S3 keys built elsewhere,
// so it uses the OS separator.
func planPath(planDir, phase string) string {
	return filepath.Join(planDir, phase+".json")
}

func resolveNodes(ctx context.Context, cfg *config.Config, api node.InstanceAPI) (*node.Node, *node.Node, error) {
	node1 := &node.Node{ID: cfg.Node1ID, Role: node.RoleProducer, PrivateAddr: cfg.Node1Private}
	node2 := &node.Node{ID: cfg.Node2ID, Role: node.RoleConsumer, PrivateAddr: cfg.Node2Private}
	for _, n := range []*node.Node{node1, node2} {
		if n.PrivateAddr != "" {
			continue
		}
		addr, err := node.ResolvePrivateAddr(ctx, api, n.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving private address of %s: %w", n.ID, err)
		}
		n.PrivateAddr = addr
		slog.Debug("resolved node address", slog.String("node", n.ID), slog.String("addr", addr))
	}
	return node1, node2, nil
}

func listPlan(p *plan.Plan) {
	fmt.Printf("%s: %s (%d patterns)\n", p.Phase, p.Name, p.PatternCount())
	for _, l := range p.Layers {
		fmt.Printf("  %s [%s] %s\n", l.ID, l.Priority, l.Name)
		for _, pat := range l.Patterns {
			fmt.Printf("    %s (%s)\n", pat.ID, pat.Topology)
		}
	}
}

// deploy uploads every rendered definition under <definitionDir>/<phase> to
// the scripts bucket, preserving the relative layout so nodes and the control
// host agree on paths.
func deploy(ctx context.Context, client *s3.Client, definitionDir, phase, bucket string) error {
	root := filepath.Join(definitionDir, phase)
	var files []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", root, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no definitions under %s, render them first", root)
	}

	uploader := manager.NewUploader(client)
	bar := progressbar.Default(int64(len(files)), "uploading")
	for _, f := range files {
		rel, err := filepath.Rel(definitionDir, f)
		if err != nil {
			return err
		}
		fh, err := os.Open(f)
		if err != nil {
			return err
		}
		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(path.Join("task-definitions", filepath.ToSlash(rel))),
			Body:   fh,
		})
		fh.Close()
		if err != nil {
			return fmt.Errorf("uploading %s: %w", f, err)
		}
		bar.Add(1)
	}
	slog.Info("definitions deployed", slog.String("phase", phase), slog.Int("files", len(files)))
	return nil
}

func run(ctx context.Context, p *plan.Plan, dispatcher *dispatch.Dispatcher, node1, node2 *node.Node, definitionDir, logPath, target string, dryRun bool) error {
	if dryRun {
		return dryRunPlan(p, target)
	}

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer logFile.Close()

	coord, err := coordinator.New(&coordinator.Input{
		Plan:           p,
		Runner:         dispatcher,
		Node1:          node1,
		Node2:          node2,
		RunLog:         coordinator.NewRunLog(logFile),
		DefinitionDir:  definitionDir,
		ShareTimestamp: true,
	})
	if err != nil {
		return err
	}

	switch {
	case target == "all":
		summaries, err := coord.RunAll(ctx)
		for _, s := range summaries {
			fmt.Printf("%s: %d succeeded, %d failed\n", s.LayerID, s.Succeeded, s.Failed)
		}
		return err
	case hasLayer(p, target):
		summary, err := coord.RunLayer(ctx, target)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d succeeded, %d failed\n", summary.LayerID, summary.Succeeded, summary.Failed)
		return nil
	default:
		return coord.RunPattern(ctx, target)
	}
}

func hasLayer(p *plan.Plan, id string) bool {
	_, ok := p.Layer(id)
	return ok
}

func dryRunPlan(p *plan.Plan, target string) error {
	printPattern := func(l *plan.Layer, pat *plan.Pattern) {
		fmt.Printf("%s/%s topology=%s nodes=%d\n", l.ID, pat.ID, pat.Topology, pat.Topology.NodeCount())
		for k, v := range p.Variables(pat) {
			fmt.Printf("  %s=%s\n", k, v)
		}
	}
	switch {
	case target == "all":
		for i := range p.Layers {
			l := &p.Layers[i]
			for j := range l.Patterns {
				printPattern(l, &l.Patterns[j])
			}
		}
	case hasLayer(p, target):
		l, _ := p.Layer(target)
		for j := range l.Patterns {
			printPattern(l, &l.Patterns[j])
		}
	default:
		pat, l, ok := p.FindPattern(target)
		if !ok {
			return fmt.Errorf("unknown layer or pattern id: %s", target)
		}
		printPattern(l, pat)
	}
	return nil
}

func status(ctx context.Context, p *plan.Plan, api node.AgentAPI, node1, node2 *node.Node, logPath string) error {
	for _, n := range []*node.Node{node1, node2} {
		info, err := node.AgentStatus(ctx, api, n.ID)
		if err != nil {
			return err
		}
		state := "online"
		if !info.Online() {
			state = "offline"
		}
		fmt.Printf("%s: %s agent=%s", n.ID, state, info.Version)
		if outdated, err := info.VersionOutdated(); err == nil && outdated {
			fmt.Printf(" (outdated, want >= %s)", node.MinAgentVersion)
		}
		fmt.Println()
	}

	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		fmt.Println("no run log yet")
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	snap, err := monitor.New(p).Snapshot(f)
	if err != nil {
		return err
	}
	fmt.Printf("progress: %d/%d patterns finished\n", snap.Finished, snap.Total)
	for _, l := range p.Layers {
		c := snap.Layers[l.ID]
		fmt.Printf("  %s: success=%d failed=%d running=%d remaining=%d\n",
			l.ID, c.Success, c.Failed, c.Running, c.Remaining)
	}
	if snap.CurrentPattern != "" {
		fmt.Printf("current: %s\n", snap.CurrentPattern)
	}
	for _, e := range snap.RecentErrors {
		fmt.Printf("error [%s] %s: %s\n", e.Kind, e.Pattern, e.Text)
	}
	for _, a := range snap.Alerts {
		fmt.Printf("ALERT [%s] %s\n", a.Kind, a.Message)
	}
	return nil
}

func collectResults(ctx context.Context, dispatcher *dispatch.Dispatcher, s3Client *s3.Client, cfg *config.Config, nodes ...*node.Node) error {
	coll := collector.New(&collector.Input{
		Runner:     dispatcher,
		Downloader: manager.NewDownloader(s3Client),
		Bucket:     cfg.ScriptsBucket,
		LocalDir:   cfg.ResultsDir,
	})
	total := 0
	for _, n := range nodes {
		staged, err := coll.Collect(ctx, n)
		if err != nil {
			return fmt.Errorf("collecting from %s: %w", n.ID, err)
		}
		total += staged
	}
	slog.Info("results collected", slog.Int("artifacts", total), slog.String("dir", cfg.ResultsDir))
	return nil
}
