package filesystem

import (
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// EditOperation is one text replacement applied by the edit_file tool. OldText
// must match the file content exactly, or line by line ignoring leading and
// trailing whitespace.
type EditOperation struct {
	OldText string `json:"oldText" jsonschema:"description=Text to search for"`
	NewText string `json:"newText" jsonschema:"description=Text to replace with"`
}

// applyFileEdits applies the edits in order and returns a unified diff of the
// result. With dryRun the file is left untouched.
func applyFileEdits(path string, edits []EditOperation, dryRun bool) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	modified, err := applyEdits(string(content), edits)
	if err != nil {
		return "", err
	}

	diff := unifiedDiff(string(content), modified, path)

	if !dryRun {
		if err := os.WriteFile(path, []byte(modified), 0600); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
	}
	return diff, nil
}

func applyEdits(content string, edits []EditOperation) (string, error) {
	modified := normalizeLineEndings(content)

	for _, edit := range edits {
		oldText := normalizeLineEndings(edit.OldText)
		newText := normalizeLineEndings(edit.NewText)

		if strings.Contains(modified, oldText) {
			modified = strings.Replace(modified, oldText, newText, 1)
			continue
		}

		replaced, found := matchLinesLoosely(modified, oldText, newText)
		if !found {
			return "", fmt.Errorf("could not find match for edit:\n%s", edit.OldText)
		}
		modified = replaced
	}
	return modified, nil
}

// matchLinesLoosely looks for a block of lines equal to oldText after trimming
// surrounding whitespace, and replaces it with newText re-indented to the
// original block's leading whitespace.
func matchLinesLoosely(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")

	for i := 0; i <= len(contentLines)-len(oldLines); i++ {
		if !blockMatches(contentLines[i:i+len(oldLines)], oldLines) {
			continue
		}

		indent := leadingWhitespace(contentLines[i])
		newLines := reindent(indent, strings.Split(newText, "\n"))

		result := make([]string, 0, len(contentLines)-len(oldLines)+len(newLines))
		result = append(result, contentLines[:i]...)
		result = append(result, newLines...)
		result = append(result, contentLines[i+len(oldLines):]...)
		return strings.Join(result, "\n"), true
	}
	return content, false
}

func blockMatches(block, oldLines []string) bool {
	for i, oldLine := range oldLines {
		if strings.TrimSpace(oldLine) != strings.TrimSpace(block[i]) {
			return false
		}
	}
	return true
}

func reindent(indent string, lines []string) []string {
	result := make([]string, 0, len(lines))
	for i, line := range lines {
		if i > 0 && strings.TrimSpace(line) == "" {
			result = append(result, indent)
			continue
		}
		result = append(result, indent+strings.TrimLeft(line, " \t"))
	}
	return result
}

func unifiedDiff(original, modified, path string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(normalizeLineEndings(original), normalizeLineEndings(modified), true)
	patches := dmp.PatchMake(diffs)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s (original)\n", path)
	fmt.Fprintf(&sb, "+++ %s (modified)\n", path)
	for _, patch := range patches {
		sb.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}

	// Fence the diff with enough backticks that embedded runs stay inside.
	fence := 3
	for strings.Contains(sb.String(), strings.Repeat("`", fence)) {
		fence++
	}
	return fmt.Sprintf("%s\ndiff\n%s%s\n",
		strings.Repeat("`", fence), sb.String(), strings.Repeat("`", fence))
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}
