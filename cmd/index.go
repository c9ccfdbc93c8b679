package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/analyzer"
	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/storage"
)

func indexCmd() *cobra.Command {
	var outputPath string
	var incremental bool
	var gitBase string
	var remote bool
	var noEmbed bool

	cmd := &cobra.Command{
		Use:   "index [project-path]",
		Short: "解析项目并构建代码图",
		Long: `解析项目中的 Go、Python 和 JavaScript 文件，构建实体和关系图并写入数据库。

配置了 API key 时会同时计算实体向量，用于语义检索。

示例：
  codectx index .                    # 全量索引当前目录
  codectx index . -i                 # 只重新解析未提交的变更
  codectx index . -i --base HEAD~3   # 重新解析最近 3 次提交的变更
  codectx index . -i -r              # 对比远程跟踪分支`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath := "."
			if len(args) > 0 {
				projectPath = args[0]
			}
			if outputPath != "" {
				cfg.Storage.DBPath = outputPath
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			ix, err := newIndexer(projectPath)
			if err != nil {
				return err
			}

			if incremental {
				// 如果启用 remote 模式，自动获取远程分支作为 base
				if remote {
					branch, err := analyzer.GetRemoteTrackingBranch(projectPath)
					if err != nil {
						return err
					}
					gitBase = branch
					fmt.Fprintf(out, "对比远程分支: %s\n", gitBase)
				}
				return runIncrementalIndex(ctx, ix, gitBase, !noEmbed)
			}
			return runFullIndex(ctx, ix, !noEmbed)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "输出数据库路径 (默认使用配置)")
	cmd.Flags().BoolVarP(&incremental, "incremental", "i", false, "增量模式：只重新解析 git 变更的文件")
	cmd.Flags().StringVar(&gitBase, "base", "", "增量模式的 git 对比基准 (默认 HEAD)")
	cmd.Flags().BoolVarP(&remote, "remote", "r", false, "与远程跟踪分支对比")
	cmd.Flags().BoolVar(&noEmbed, "no-embed", false, "不计算实体向量")

	return cmd
}

func runFullIndex(ctx context.Context, ix *analyzer.Indexer, embed bool) error {
	fmt.Fprintf(out, "正在解析项目: %s\n", ix.Root())
	res, err := ix.Index(ctx)
	if err != nil {
		return fmt.Errorf("解析失败: %w", err)
	}
	fmt.Fprintf(out, "解析完成: %d 个文件, %d 个实体, %d 个关系 (耗时 %v)\n",
		res.Files, res.Entities(), res.Relationships(), res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "引用解析: %d 成功, %d 歧义, %d 未解析\n",
		res.Links.Resolved, res.Links.Ambiguous, res.Links.Unresolved)
	printSkipped(res.Skipped)

	eng, cleanup, err := newEngine(embed)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := eng.Load(res.Scopes, nil); err != nil {
		return fmt.Errorf("构建图失败: %w", err)
	}
	waitEmbeddings(eng)

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SaveDocument(ctx, eng.Export()); err != nil {
		return fmt.Errorf("写入数据库失败: %w", err)
	}
	if err := saveIndexMeta(ctx, db, ix.Root()); err != nil {
		return err
	}

	st := eng.Stats()
	fmt.Fprintf(out, "\n✅ 索引完成: %d 实体, %d 关系, %d 向量\n", st.Entities, st.Relationships, st.SemanticVectors)
	fmt.Fprintf(out, "数据库: %s\n", cfg.Storage.DBPath)
	return nil
}

func runIncrementalIndex(ctx context.Context, ix *analyzer.Indexer, gitBase string, embed bool) error {
	changes, err := analyzer.GetGitChanges(ix.Root(), gitBase, ix.Walker().Accept)
	if err != nil {
		return fmt.Errorf("获取 git 变更失败: %w", err)
	}
	if !changes.HasChanges() {
		fmt.Fprintln(out, "没有检测到变更")
		return nil
	}
	fmt.Fprintf(out, "检测到 %d 个变更文件, 涉及 %d 个目录\n", len(changes.ChangedFiles), len(changes.Dirs))

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if root, _ := db.Meta(ctx, storage.MetaRoot); root != "" && root != ix.Root() {
		logger.Warn("database was indexed from another root",
			slog.String("indexed_root", root), slog.String("root", ix.Root()))
	}

	eng, cleanup, err := engineFromDB(ctx, db, embed)
	if errors.Is(err, errEmptyDatabase) {
		fmt.Fprintln(out, "数据库为空, 执行全量索引")
		return runFullIndex(ctx, ix, embed)
	}
	if err != nil {
		return err
	}
	defer cleanup()

	scopes, removed, skipped, err := ix.Reindex(ctx, eng.Snapshot(), changes.ChangedFiles)
	if err != nil {
		return fmt.Errorf("解析失败: %w", err)
	}
	printSkipped(skipped)

	if err := analyzer.ApplyScopes(ctx, eng, scopes); err != nil {
		return fmt.Errorf("更新图失败: %w", err)
	}
	for _, rel := range removed {
		if _, err := eng.ApplyDeletion(ctx, rel); err != nil && !errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("删除 %s 失败: %w", rel, err)
		}
	}
	waitEmbeddings(eng)

	touched := append([]string(nil), removed...)
	for _, sc := range scopes {
		touched = append(touched, sc.ID)
	}
	if err := db.SaveScopes(ctx, eng.Export(), touched); err != nil {
		return fmt.Errorf("写入数据库失败: %w", err)
	}
	if err := saveIndexMeta(ctx, db, ix.Root()); err != nil {
		return err
	}

	st := eng.Stats()
	fmt.Fprintf(out, "\n✅ 增量索引完成: 更新 %d 个文件, 删除 %d 个文件\n", len(scopes), len(removed))
	fmt.Fprintf(out, "当前图: %d 实体, %d 关系, %d 向量\n", st.Entities, st.Relationships, st.SemanticVectors)
	return nil
}

func saveIndexMeta(ctx context.Context, db *storage.DB, root string) error {
	if err := db.SetMeta(ctx, storage.MetaRoot, root); err != nil {
		return fmt.Errorf("写入数据库失败: %w", err)
	}
	if err := db.SetMeta(ctx, storage.MetaIndexedAt, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("写入数据库失败: %w", err)
	}
	return nil
}

// waitEmbeddings blocks until the embedding pool drained, printing progress
// when it takes a while.
func waitEmbeddings(eng *engine.Engine) {
	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(2 * time.Second):
	}
	fmt.Fprintln(os.Stderr, "正在计算实体向量...")
	<-done
}

func printSkipped(skipped []analyzer.Skipped) {
	if len(skipped) == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "⚠️  %d 个文件解析失败:\n", len(skipped))
	for _, s := range skipped {
		fmt.Fprintf(os.Stderr, "  %s: %v\n", filepath.ToSlash(s.Path), s.Err)
	}
}
