package engine

import (
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/opencode-ai/missionlink/pkg/types"
)

// fileChangeArgs covers the argument shapes of the file tools models call.
type fileChangeArgs struct {
	Path       string  `json:"path"`
	FilePath   string  `json:"file_path"`
	Operation  string  `json:"operation"`
	Content    *string `json:"content"`
	NewString  *string `json:"new_string"`
	OldContent string  `json:"old_content"`
	OldString  string  `json:"old_string"`
}

// Proposal converts a completed tool call into a file-change proposal. Calls
// whose arguments are not JSON or name no path are not proposals.
func Proposal(call ToolCall) (*types.FileChangeProposal, bool) {
	var args fileChangeArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil, false
	}
	path := args.Path
	if path == "" {
		path = args.FilePath
	}
	if path == "" {
		return nil, false
	}

	op := operationFor(args.Operation, call.Name)
	before := args.OldContent
	if before == "" {
		before = args.OldString
	}
	var after string
	switch {
	case op == types.FileOpDelete:
	case args.Content != nil:
		after = *args.Content
	case args.NewString != nil:
		after = *args.NewString
	}

	diff, additions, deletions := diffStats(path, before, after)
	return &types.FileChangeProposal{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Path:       path,
		Operation:  op,
		Content:    after,
		Before:     before,
		Diff:       diff,
		Additions:  additions,
		Deletions:  deletions,
	}, true
}

func operationFor(explicit, toolName string) string {
	switch strings.ToLower(explicit) {
	case types.FileOpCreate, "write":
		return types.FileOpCreate
	case types.FileOpModify, "edit", "update":
		return types.FileOpModify
	case types.FileOpDelete, "remove":
		return types.FileOpDelete
	}
	switch toolName {
	case "write_file", "create_file", "write":
		return types.FileOpCreate
	case "delete_file", "remove_file":
		return types.FileOpDelete
	default:
		return types.FileOpModify
	}
}

// diffStats returns a patch from before to after with added and deleted line counts.
func diffStats(path, before, after string) (string, int, int) {
	if before == after {
		return "", 0, 0
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	patchText := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if patchText == "" {
		return "", additions, deletions
	}
	return "--- " + path + "\n+++ " + path + "\n" + patchText, additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
