package analyzer

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// GitChanges represents the result of git diff analysis
type GitChanges struct {
	ChangedFiles []string // 变更的源文件 (相对路径)
	Dirs         []string // 变更文件所在目录
}

// GetGitChanges returns the supported files changed since base.
// If base is empty, it compares with HEAD (uncommitted changes)
// If base is "HEAD~1", it compares with the previous commit
// Untracked files are included so that new files get indexed.
func GetGitChanges(projectPath string, base string, accept func(string) bool) (*GitChanges, error) {
	if base == "" {
		base = "HEAD"
	}

	output, err := git(projectPath, "diff", "--name-only", "--relative", base)
	if err != nil {
		// If git diff HEAD fails (e.g., no commits yet), fall back to the working tree
		output = nil
	}
	untracked, err := git(projectPath, "ls-files", "--modified", "--others", "--exclude-standard")
	if err != nil && output == nil {
		return nil, fmt.Errorf("git 命令执行失败: %w", err)
	}
	output = append(output, untracked...)

	changes := &GitChanges{
		ChangedFiles: make([]string, 0),
		Dirs:         make([]string, 0),
	}

	seen := make(map[string]bool)
	dirSet := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		file := strings.TrimSpace(scanner.Text())
		if file == "" || seen[file] {
			continue
		}
		seen[file] = true

		if accept != nil && !accept(file) {
			continue
		}

		changes.ChangedFiles = append(changes.ChangedFiles, file)

		dir := path.Dir(file)
		if !dirSet[dir] {
			dirSet[dir] = true
			changes.Dirs = append(changes.Dirs, dir)
		}
	}

	return changes, scanner.Err()
}

func git(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// HasChanges returns true if there are any source file changes
func (g *GitChanges) HasChanges() bool {
	return len(g.ChangedFiles) > 0
}

// String returns a summary string of the changes
func (g *GitChanges) String() string {
	return fmt.Sprintf("%d files changed in %d directories", len(g.ChangedFiles), len(g.Dirs))
}

// GetRemoteTrackingBranch 获取当前分支对应的远程跟踪分支
// 返回格式如 "origin/main" 或 "origin/feature-branch"
func GetRemoteTrackingBranch(projectPath string) (string, error) {
	// 使用 git rev-parse 获取上游分支
	output, err := git(projectPath, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil {
		return "", fmt.Errorf("无法获取远程跟踪分支: %w", err)
	}

	branch := strings.TrimSpace(string(output))
	if branch == "" {
		return "", fmt.Errorf("当前分支没有设置远程跟踪分支")
	}

	return branch, nil
}
