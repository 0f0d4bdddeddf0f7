package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// RegisterFileTools adds the file manipulation built-ins: read_file,
// write_file, edit_file, list_files, and grep. Relative paths resolve
// against workDir.
func RegisterFileTools(r *Registry, workDir string) error {
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) || workDir == "" {
			return path
		}
		return filepath.Join(workDir, path)
	}

	pathProp := map[string]any{
		"type":        "string",
		"description": "File path, absolute or relative to the working directory",
	}

	registrations := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "read_file",
				Description: "Read a file and return its contents.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathProp},
					"required":   []any{"path"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path, _ := args["path"].(string)
				data, err := os.ReadFile(resolve(path))
				if err != nil {
					return nil, fmt.Errorf("read %s: %w", path, err)
				}
				return map[string]any{"content": truncate(string(data))}, nil
			},
		},
		{
			def: Definition{
				Name:        "write_file",
				Description: "Write content to a file, creating it if needed.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    pathProp,
						"content": map[string]any{"type": "string"},
					},
					"required": []any{"path", "content"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				target := resolve(path)
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return nil, fmt.Errorf("create parent dir: %w", err)
				}
				if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
					return nil, fmt.Errorf("write %s: %w", path, err)
				}
				return map[string]any{"written": len(content), "path": path}, nil
			},
		},
		{
			def: Definition{
				Name:        "edit_file",
				Description: "Replace an exact string in a file. The old string must occur exactly once.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":       pathProp,
						"old_string": map[string]any{"type": "string"},
						"new_string": map[string]any{"type": "string"},
					},
					"required": []any{"path", "old_string", "new_string"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path, _ := args["path"].(string)
				oldStr, _ := args["old_string"].(string)
				newStr, _ := args["new_string"].(string)
				target := resolve(path)

				data, err := os.ReadFile(target)
				if err != nil {
					return nil, fmt.Errorf("read %s: %w", path, err)
				}
				content := string(data)
				switch strings.Count(content, oldStr) {
				case 0:
					return nil, fmt.Errorf("old_string not found in %s", path)
				case 1:
				default:
					return nil, fmt.Errorf("old_string occurs more than once in %s", path)
				}
				content = strings.Replace(content, oldStr, newStr, 1)
				if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
					return nil, fmt.Errorf("write %s: %w", path, err)
				}
				return map[string]any{"path": path, "replaced": true}, nil
			},
		},
		{
			def: Definition{
				Name:        "list_files",
				Description: "List directory entries.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathProp},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path, _ := args["path"].(string)
				if path == "" {
					path = "."
				}
				entries, err := os.ReadDir(resolve(path))
				if err != nil {
					return nil, fmt.Errorf("list %s: %w", path, err)
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				sort.Strings(names)
				return map[string]any{"entries": names}, nil
			},
		},
		{
			def: Definition{
				Name:        "grep",
				Description: "Search a file for lines matching a regular expression.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string"},
						"path":    pathProp,
					},
					"required": []any{"pattern", "path"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				pattern, _ := args["pattern"].(string)
				path, _ := args["path"].(string)

				re, err := regexp.Compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("invalid pattern: %w", err)
				}
				f, err := os.Open(resolve(path))
				if err != nil {
					return nil, fmt.Errorf("open %s: %w", path, err)
				}
				defer f.Close()

				var matches []string
				scanner := bufio.NewScanner(f)
				lineNo := 0
				for scanner.Scan() {
					lineNo++
					if re.MatchString(scanner.Text()) {
						matches = append(matches, fmt.Sprintf("%d:%s", lineNo, scanner.Text()))
					}
				}
				if err := scanner.Err(); err != nil {
					return nil, fmt.Errorf("scan %s: %w", path, err)
				}
				return map[string]any{"matches": matches}, nil
			},
		},
	}

	for _, reg := range registrations {
		if err := r.Register(reg.def, reg.handler); err != nil {
			return err
		}
	}
	return nil
}
