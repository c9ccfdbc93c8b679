package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/analyzer"
	"github.com/zheng/codectx/internal/export"
	"github.com/zheng/codectx/internal/storage"
)

func exportCmd() *cobra.Command {
	var outputFile string
	var format string
	var incremental bool
	var gitBase string
	var noMermaid bool
	var projectName string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "导出 RAG 文档或图数据",
		Long: `导出代码图。

  markdown  完整的项目图谱文档，可作为 AI 编码上下文 (默认)
  json      可被 codectx import 读取的图数据，包含向量`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			w, closeOut, err := createOutput(outputFile)
			if err != nil {
				return err
			}
			defer closeOut()

			if format == "json" {
				doc, err := db.LoadDocument(ctx)
				if err != nil {
					return fmt.Errorf("读取数据库失败: %w", err)
				}
				return doc.Write(w)
			}

			eng, cleanup, err := engineFromDB(ctx, db, false)
			if err != nil {
				return err
			}
			defer cleanup()

			exporter := export.NewExporter(eng.Snapshot())
			opts := export.DefaultMarkdownOptions()
			opts.IncludeMermaid = !noMermaid
			if projectName == "" {
				if root, _ := db.Meta(ctx, storage.MetaRoot); root != "" {
					projectName = filepath.Base(root)
				}
			}
			if projectName != "" {
				opts.ProjectName = projectName + " "
			}

			if incremental {
				root, _ := db.Meta(ctx, storage.MetaRoot)
				if root == "" {
					root, _ = os.Getwd()
				}
				changes, err := analyzer.GetGitChanges(root, gitBase, nil)
				if err != nil {
					return fmt.Errorf("获取 git 变更失败: %w", err)
				}

				if !changes.HasChanges() {
					fmt.Fprintln(os.Stderr, "没有检测到变更")
					return nil
				}

				fmt.Fprintf(os.Stderr, "检测到 %d 个变更文件\n", len(changes.ChangedFiles))
				return exporter.WriteIncremental(w, changes.ChangedFiles, opts)
			}

			if err := exporter.WriteMarkdown(w, opts); err != nil {
				return fmt.Errorf("导出失败: %w", err)
			}
			if outputFile != "" && outputFile != "-" {
				fmt.Fprintf(os.Stderr, "✅ 已导出到 %s\n", outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "输出文件路径 (默认输出到 stdout)")
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "导出格式: markdown, json")
	cmd.Flags().BoolVarP(&incremental, "incremental", "i", false, "只导出 git 变更涉及的实体 (markdown)")
	cmd.Flags().StringVar(&gitBase, "base", "", "增量模式的 git 对比基准 (默认 HEAD)")
	cmd.Flags().BoolVar(&noMermaid, "no-mermaid", false, "不生成 Mermaid 图")
	cmd.Flags().StringVar(&projectName, "name", "", "文档标题中的项目名称")

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "从 JSON 导入图数据, 替换数据库内容",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("打开文件失败: %w", err)
			}
			defer f.Close()

			doc, err := export.Read(f)
			if err != nil {
				return fmt.Errorf("读取文件失败: %w", err)
			}

			// Load into an engine first so a broken document never reaches
			// the database.
			eng, cleanup, err := newEngine(false)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := eng.Import(doc); err != nil {
				return fmt.Errorf("图数据无效: %w", err)
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SaveDocument(ctx, eng.Export()); err != nil {
				return fmt.Errorf("写入数据库失败: %w", err)
			}

			st := eng.Stats()
			fmt.Printf("✅ 导入完成: %d 实体, %d 关系, %d 向量\n", st.Entities, st.Relationships, st.SemanticVectors)
			return nil
		},
	}

	return cmd
}
