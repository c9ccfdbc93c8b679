package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/mcp"
	"github.com/zheng/codectx/internal/storage"
	"github.com/zheng/codectx/internal/watcher"
	"github.com/zheng/codectx/internal/web"
)

func mcpCmd() *cobra.Command {
	var watchPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "启动 MCP (Model Context Protocol) 服务器",
		Long: `启动 MCP 服务器，允许 AI 助手（如 Cursor、Claude）直接查询代码图。

MCP 工具包括：
  - query: 检索问题相关的上下文闭包
  - trace: 分析实体变更的影响范围
  - search: 搜索实体
  - stats: 图统计信息
  - risk: 高风险实体排行

使用 --watch 同时监控项目目录，保持图为最新。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out = os.Stderr
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return serveWith(ctx, watchPath, func(ctx context.Context, eng *engine.Engine) error {
				return mcp.NewServer(eng, logger).Run(ctx)
			})
		},
	}

	cmd.Flags().StringVarP(&watchPath, "watch", "w", "", "同时监控的项目目录")

	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var watchPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 服务器",
		Long: `启动 HTTP 服务器，提供 JSON API 和 Prometheus 指标。

接口：
  POST /api/query      检索上下文闭包
  GET  /api/trace      影响分析
  GET  /api/search     搜索实体
  GET  /api/entity     实体详情
  GET  /api/stats      统计信息
  GET  /api/hubs       核心实体
  GET  /api/cycles     循环依赖
  GET  /api/path       最短路径
  GET  /api/export     导出图数据
  GET  /metrics        Prometheus 指标

示例：
  codectx serve                  # 使用配置的地址 (默认 :8080)
  codectx serve --addr :3000
  codectx serve -w .             # 同时监控当前目录`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Server.Addr
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return serveWith(ctx, watchPath, func(ctx context.Context, eng *engine.Engine) error {
				fmt.Fprintf(os.Stderr, "🌐 http://localhost%s\n", addr)
				return web.NewServer(eng, addr, logger).Run(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "监听地址 (默认使用配置)")
	cmd.Flags().StringVarP(&watchPath, "watch", "w", "", "同时监控的项目目录")

	return cmd
}

func watchCmd() *cobra.Command {
	var debounceMs int

	cmd := &cobra.Command{
		Use:   "watch [project-path]",
		Short: "监控文件变更并自动更新代码图",
		Long: `启动 watch 模式，监控项目中的源文件变更。
当检测到文件变更时，重新解析变更的文件并更新数据库。

特性：
  - 自动递归监控所有目录
  - 防抖处理，避免频繁触发分析
  - 遵守 .gitignore，忽略 node_modules、vendor 等目录
  - 解析失败的文件保留上一次的结果

示例：
  codectx watch .                   # 监控当前目录
  codectx watch . --debounce 1000   # 设置 1 秒防抖延迟`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath := "."
			if len(args) > 0 {
				projectPath = args[0]
			}
			if cmd.Flags().Changed("debounce") {
				cfg.Watch.Debounce = time.Duration(debounceMs) * time.Millisecond
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			fmt.Printf("开始监控目录: %s\n", projectPath)
			fmt.Printf("数据库路径: %s\n", cfg.Storage.DBPath)
			fmt.Printf("防抖延迟: %v\n", cfg.Watch.Debounce)
			fmt.Println("\n按 Ctrl+C 停止...")
			fmt.Println()

			return serveWith(ctx, projectPath, func(ctx context.Context, _ *engine.Engine) error {
				<-ctx.Done()
				fmt.Println("\n停止监控...")
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&debounceMs, "debounce", 500, "防抖延迟（毫秒）")

	return cmd
}

// serveWith loads the graph, optionally keeps it current by watching
// watchPath, and runs fn until it returns. The database is rewritten on
// the way out so embeddings computed meanwhile are kept.
func serveWith(ctx context.Context, watchPath string, fn func(context.Context, *engine.Engine) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	eng, cleanup, err := engineFromDB(ctx, db, true)
	switch {
	case errors.Is(err, errEmptyDatabase) && watchPath != "":
		ix, err := newIndexer(watchPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "数据库为空, 执行初始索引...")
		if err := runFullIndex(ctx, ix, true); err != nil {
			return fmt.Errorf("初始索引失败: %w", err)
		}
		eng, cleanup, err = engineFromDB(ctx, db, true)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	defer cleanup()

	if watchPath == "" {
		return ignoreCanceled(fn(ctx, eng))
	}

	stop, err := startWatcher(eng, db, watchPath)
	if err != nil {
		return err
	}
	runErr := fn(ctx, eng)
	stop()

	if cfg.Watch.Persist {
		// The serving context is usually cancelled here.
		if err := db.SaveDocument(context.Background(), eng.Export()); err != nil {
			logger.Error("final save failed", slog.String("error", err.Error()))
		}
	}
	return ignoreCanceled(runErr)
}

func ignoreCanceled(runErr error) error {
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func startWatcher(eng *engine.Engine, db *storage.DB, root string) (func(), error) {
	ix, err := newIndexer(root)
	if err != nil {
		return nil, err
	}

	opts := []watcher.WatcherOption{
		watcher.WithDebounceDelay(cfg.Watch.Debounce),
		watcher.WithLogger(logger),
		watcher.WithOnBatchStart(func(files []string) {
			fmt.Fprintf(os.Stderr, "[%s] 检测到 %d 个文件变更，开始更新...\n", time.Now().Format("15:04:05"), len(files))
		}),
		watcher.WithOnBatchDone(func(b *watcher.Batch) {
			fmt.Fprintf(os.Stderr, "[%s] 更新完成: %d 个文件更新, %d 个文件删除 (耗时 %v)\n",
				time.Now().Format("15:04:05"), len(b.Updated), len(b.Removed), b.Duration.Round(time.Millisecond))
		}),
		watcher.WithOnError(func(err error) {
			fmt.Fprintf(os.Stderr, "[%s] 错误: %v\n", time.Now().Format("15:04:05"), err)
		}),
	}
	if cfg.Watch.Persist {
		opts = append(opts, watcher.WithPersister(db))
	}

	w, err := watcher.New(ix, eng, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建监控器失败: %w", err)
	}
	w.Start()
	return func() {
		if err := w.Stop(); err != nil {
			logger.Warn("stop watcher", slog.String("error", err.Error()))
		}
	}, nil
}
