package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// ResizeImageTool downscales an image attachment already written to the
// workspace, producing a second file the caller can deliver.
type ResizeImageTool struct {
	workspace      string
	restrict       bool
	deniedPrefixes []string
	maxDimension   int
}

func NewResizeImageTool(workspace string, restrict bool) *ResizeImageTool {
	return &ResizeImageTool{workspace: workspace, restrict: restrict, maxDimension: 4096}
}

func (t *ResizeImageTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func (t *ResizeImageTool) Name() string        { return "resize_image" }
func (t *ResizeImageTool) Description() string { return "Resize an image file in the workspace to fit within max_width x max_height, preserving aspect ratio" }

func (t *ResizeImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":       map[string]interface{}{"type": "string", "description": "Path to the source image, relative to the workspace"},
			"max_width":  map[string]interface{}{"type": "integer", "description": "Maximum output width in pixels"},
			"max_height": map[string]interface{}{"type": "integer", "description": "Maximum output height in pixels"},
			"deliver":    map[string]interface{}{"type": "boolean", "description": "If true, deliver the resized file to the user"},
		},
		"required": []string{"path", "max_width", "max_height"},
	}
}

func (t *ResizeImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	maxW := intArg(args["max_width"])
	maxH := intArg(args["max_height"])
	deliver, _ := args["deliver"].(bool)

	if path == "" || maxW <= 0 || maxH <= 0 {
		return ErrorResult("path, max_width, and max_height are required and must be positive")
	}
	if maxW > t.maxDimension || maxH > t.maxDimension {
		return ErrorResult(fmt.Sprintf("dimensions exceed the %dpx limit", t.maxDimension))
	}

	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := checkDeniedPath(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	src, err := imaging.Open(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to open image: %v", err))
	}
	resized := imaging.Fit(src, maxW, maxH, imaging.Lanczos)

	ext := strings.ToLower(filepath.Ext(resolved))
	outPath := strings.TrimSuffix(resolved, filepath.Ext(resolved)) + "-resized" + ext
	if err := imaging.Save(resized, outPath); err != nil {
		return ErrorResult(fmt.Sprintf("failed to save resized image: %v", err))
	}
	if _, err := os.Stat(outPath); err != nil {
		return ErrorResult(fmt.Sprintf("resized file missing after save: %v", err))
	}

	bounds := resized.Bounds()
	result := SilentResult(fmt.Sprintf("Image resized to %dx%d: %s", bounds.Dx(), bounds.Dy(), outPath))
	if deliver {
		result.Media = []string{outPath}
	}
	return result
}

func intArg(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
