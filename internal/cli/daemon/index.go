package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloo-solutions/cseassist/internal/config"
	"github.com/cloo-solutions/cseassist/internal/index"
	"github.com/spf13/cobra"
)

func IndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the knowledge base index",
		Long:  "Build, verify, inspect and publish the persisted vector index",
	}

	cmd.PersistentFlags().StringP("output", "o", "text", "Output format (text or json)")
	cmd.PersistentFlags().Bool("no-migrate", false, "Skip automatic database migrations")

	cmd.AddCommand(IndexBuildCmd())
	cmd.AddCommand(IndexVerifyCmd())
	cmd.AddCommand(IndexStatusCmd())
	cmd.AddCommand(IndexPublishCmd())

	return cmd
}

func IndexBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the index from the source directory",
		Long: `Build the index from the source directory if no snapshot exists.
With --force the existing snapshot is ignored and replaced.`,
		Args: cobra.NoArgs,
		RunE: runIndexBuild,
	}

	cmd.Flags().BoolP("force", "f", false, "Rebuild even if a snapshot exists")

	return cmd
}

func IndexVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the persisted snapshot",
		Long:  "Check the snapshot checksum, layout and compatibility with the configured embedding provider",
		Args:  cobra.NoArgs,
		RunE:  runIndexVerify,
	}
}

func IndexStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local snapshot and its mirrors",
		Args:  cobra.NoArgs,
		RunE:  runIndexStatus,
	}
}

func IndexPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Push the local snapshot to the configured mirrors",
		Long:  "Push the local snapshot to S3 and/or the pgvector table, whichever are configured",
		Args:  cobra.NoArgs,
		RunE:  runIndexPublish,
	}
}

// IndexSummary describes a snapshot for text and JSON output.
type IndexSummary struct {
	Path      string    `json:"path"`
	Chunks    int       `json:"chunks"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	BuiltAt   time.Time `json:"built_at"`
	Checksum  string    `json:"checksum_sha256,omitempty"`
}

type MirrorStatus struct {
	Name    string         `json:"name"`
	InSync  *bool          `json:"in_sync,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Sources map[string]int `json:"sources,omitempty"`
}

type IndexStatus struct {
	Local   *IndexSummary  `json:"local,omitempty"`
	Error   string         `json:"error,omitempty"`
	Mirrors []MirrorStatus `json:"mirrors,omitempty"`
}

func summarize(dir string, idx *index.VectorIndex) *IndexSummary {
	return &IndexSummary{
		Path:      dir,
		Chunks:    idx.Len(),
		Dimension: idx.Dimension(),
		Model:     idx.Model(),
		BuiltAt:   idx.BuiltAt(),
	}
}

func openIndexApp(cmd *cobra.Command) (context.Context, *app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, appOptions{migrate: !noMigrate})
	if err != nil {
		return nil, nil, err
	}
	return ctx, a, nil
}

func printResult(cmd *cobra.Command, v any, text func()) {
	outputFormat, _ := cmd.Flags().GetString("output")
	if outputFormat == "json" {
		jsonBytes, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
		return
	}
	text()
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	ctx, a, err := openIndexApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer initTelemetry(a.cfg)()

	force, _ := cmd.Flags().GetBool("force")

	start := time.Now()
	var idx *index.VectorIndex
	if force {
		idx, err = a.kb.Rebuild(ctx, a.cfg.SourceDir, a.cfg.IndexDir)
	} else {
		idx, err = a.kb.Ensure(ctx)
	}
	if err != nil {
		return err
	}

	summary := summarize(a.cfg.IndexDir, idx)
	printResult(cmd, summary, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Index ready: %d chunks (%s, %d dimensions) at %s in %v\n",
			summary.Chunks, summary.Model, summary.Dimension, summary.Path, time.Since(start).Round(time.Millisecond))
	})
	return nil
}

func runIndexVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	manifest, err := index.ReadManifest(cfg.IndexDir)
	if err != nil {
		return err
	}
	idx, err := index.Load(cfg.IndexDir, newProvider(cfg))
	if err != nil {
		return err
	}

	summary := summarize(cfg.IndexDir, idx)
	summary.Checksum = manifest.Checksum
	printResult(cmd, summary, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Index OK: %d chunks, model %s, %d dimensions, built %s\n",
			summary.Chunks, summary.Model, summary.Dimension, summary.BuiltAt.Format(time.RFC3339))
	})
	return nil
}

func runIndexStatus(cmd *cobra.Command, args []string) error {
	ctx, a, err := openIndexApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	status := IndexStatus{}
	idx, err := index.Load(a.cfg.IndexDir, a.provider)
	switch {
	case err == nil:
		status.Local = summarize(a.cfg.IndexDir, idx)
	case index.IsNotExist(err):
		status.Error = "no snapshot"
	default:
		status.Error = err.Error()
	}

	if a.s3Mirror != nil {
		ms := MirrorStatus{Name: a.s3Mirror.Name()}
		remote, err := a.s3Mirror.Stat(ctx)
		switch {
		case err != nil:
			ms.Detail = err.Error()
		case remote == nil:
			ms.Detail = "nothing published"
		default:
			ms.Detail = fmt.Sprintf("%s (%d bytes, etag %s)", remote.Key, remote.PayloadBytes, remote.ETag)
			if !remote.UploadedAt.IsZero() {
				ms.Detail += ", uploaded " + remote.UploadedAt.Format(time.RFC3339)
			}
			if status.Local != nil {
				if inSync, err := a.s3Mirror.Matches(ctx, a.cfg.IndexDir); err == nil {
					ms.InSync = &inSync
				}
			}
		}
		status.Mirrors = append(status.Mirrors, ms)
	}

	if a.chunks != nil {
		ms := MirrorStatus{Name: a.pgMirror.Name()}
		snap, err := a.chunks.Snapshot(ctx)
		switch {
		case err != nil:
			ms.Detail = err.Error()
		case snap == nil:
			ms.Detail = "empty"
		default:
			ms.Detail = fmt.Sprintf("%d chunks, model %s, built %s", snap.Entries, snap.Model, snap.BuiltAt.Format(time.RFC3339))
			if idx != nil {
				if inSync, err := a.pgMirror.InSync(ctx, idx); err == nil {
					ms.InSync = &inSync
				}
			}
			if ms.Sources, err = a.chunks.CountBySource(ctx); err != nil {
				ms.Detail += "; " + err.Error()
			}
		}
		status.Mirrors = append(status.Mirrors, ms)
	}

	printResult(cmd, status, func() {
		out := cmd.OutOrStdout()
		if status.Local != nil {
			fmt.Fprintf(out, "local    %s: %d chunks, model %s, %d dimensions, built %s\n",
				status.Local.Path, status.Local.Chunks, status.Local.Model, status.Local.Dimension,
				status.Local.BuiltAt.Format(time.RFC3339))
		} else {
			fmt.Fprintf(out, "local    %s: %s\n", a.cfg.IndexDir, status.Error)
		}
		for _, m := range status.Mirrors {
			line := fmt.Sprintf("%-8s %s", m.Name, m.Detail)
			if m.InSync != nil && !*m.InSync {
				line += " [stale]"
			}
			fmt.Fprintln(out, line)
			sources := make([]string, 0, len(m.Sources))
			for src := range m.Sources {
				sources = append(sources, src)
			}
			sort.Strings(sources)
			for _, src := range sources {
				fmt.Fprintf(out, "         %6d  %s\n", m.Sources[src], src)
			}
		}
	})
	return nil
}

var errNoMirrors = errors.New("no mirror configured: set CSE_S3_* or CSE_DATABASE_URL")

func runIndexPublish(cmd *cobra.Command, args []string) error {
	ctx, a, err := openIndexApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer initTelemetry(a.cfg)()

	if a.s3Mirror == nil && a.chunks == nil {
		return errNoMirrors
	}

	idx, err := index.Load(a.cfg.IndexDir, a.provider)
	if err != nil {
		return err
	}
	if err := a.kb.Publish(ctx, a.cfg.IndexDir, idx); err != nil {
		return err
	}

	printResult(cmd, summarize(a.cfg.IndexDir, idx), func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Published %d chunks from %s\n", idx.Len(), a.cfg.IndexDir)
	})
	return nil
}
