package collector

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"disaggbench/dispatch"
	"disaggbench/node"
	"disaggbench/util"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
)

// RemoteRunner dispatches a command batch on a node. *dispatch.Dispatcher
// satisfies it.
type RemoteRunner interface {
	Dispatch(ctx context.Context, instanceID string, commands []string) (*dispatch.Result, error)
}

// Downloader is the subset of the s3 transfer manager the collector uses.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

type Input struct {
	Runner     RemoteRunner
	Downloader Downloader
	Bucket     string

	// RemoteDir is where benchmark runs leave their result artifacts on the
	// node. LocalDir is where staged copies land on the control host.
	RemoteDir string
	LocalDir  string

	// DownloadConcurrency bounds the S3 download pool. 8 by default.
	DownloadConcurrency int
}

// A Collector stages result artifacts from a node to the control host. There
// is no direct file access path to a node, so every artifact hops through
// object storage: remote upload via the control plane, then a local download.
type Collector struct {
	input *Input
}

func New(input *Input) *Collector {
	if input.RemoteDir == "" {
		input.RemoteDir = "/tmp/disaggbench/results"
	}
	if input.DownloadConcurrency == 0 {
		input.DownloadConcurrency = 8
	}
	return &Collector{input: input}
}

// Collect stages every result artifact found on the node and returns how many
// made it to the local dir. One unstagable artifact is logged and skipped,
// never fatal to the batch.
func (c *Collector) Collect(ctx context.Context, n *node.Node) (int, error) {
	artifacts, err := c.listArtifacts(ctx, n)
	if err != nil {
		return 0, err
	}
	if len(artifacts) == 0 {
		slog.Info("no result artifacts on node", slog.String("node", n.ID))
		return 0, nil
	}
	slog.Info("staging result artifacts",
		slog.String("node", n.ID),
		slog.Int("count", len(artifacts)),
	)

	err = os.MkdirAll(c.input.LocalDir, fs.ModePerm)
	if err != nil {
		return 0, err
	}

	// Uploads go through the control plane one at a time; two concurrent
	// invocations on the same node contend for the agent.
	uploaded := []string{}
	for _, name := range artifacts {
		key := c.remoteKey(n, name)
		_, err := c.input.Runner.Dispatch(ctx, n.ID, []string{
			fmt.Sprintf("aws s3 cp %s s3://%s/%s", path.Join(c.input.RemoteDir, name), c.input.Bucket, key),
		})
		if err != nil {
			slog.Warn("failed to upload artifact, skipping",
				slog.String("node", n.ID),
				slog.String("artifact", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		uploaded = append(uploaded, name)
	}

	var staged atomic.Int64
	pool := pond.New(c.input.DownloadConcurrency, 0, pond.MinWorkers(c.input.DownloadConcurrency))
	p := progressbar.Default(int64(len(uploaded)), "Staging results:")
	for _, name := range uploaded {
		pool.Submit(func() {
			defer p.Add(1)

			// Same-named artifacts from a re-collection overwrite the local
			// copy; each pattern execution produces a deterministic name.
			localPath := filepath.Join(c.input.LocalDir, name)
			f, err := os.Create(localPath)
			if err != nil {
				slog.Warn("failed to create local file, skipping artifact",
					slog.String("artifact", name), slog.String("error", err.Error()))
				return
			}
			defer f.Close()

			_, err = c.input.Downloader.Download(ctx, f, &s3.GetObjectInput{
				Bucket: aws.String(c.input.Bucket),
				Key:    aws.String(c.remoteKey(n, name)),
			})
			if err != nil {
				slog.Warn("failed to download artifact, skipping",
					slog.String("artifact", name), slog.String("error", err.Error()))
				return
			}
			staged.Add(1)
		})
	}
	pool.StopAndWait()
	p.Finish()

	slog.Info("done staging",
		slog.String("node", n.ID),
		slog.Int64("staged", staged.Load()),
		slog.Int("found", len(artifacts)),
	)
	return int(staged.Load()), nil
}

func (c *Collector) listArtifacts(ctx context.Context, n *node.Node) ([]string, error) {
	result, err := c.input.Runner.Dispatch(ctx, n.ID, []string{
		fmt.Sprintf("ls -1 %s", c.input.RemoteDir),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts on %s: %w", n.ID, err)
	}
	artifacts := []string{}
	for _, line := range util.NonEmptyLines([]byte(result.Stdout)) {
		if strings.HasSuffix(line, ".json") {
			artifacts = append(artifacts, line)
		}
	}
	return artifacts, nil
}

func (c *Collector) remoteKey(n *node.Node, name string) string {
	return path.Join("results", n.ID, name)
}
