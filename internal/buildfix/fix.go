package buildfix

import (
	"strings"

	"github.com/overskill/deployctl/internal/model"
)

// nonRetryableKinds forces the retry budget to 0 regardless of the N/K ratio
// (spec.md §4.F auto-fixability matrix: "Treated as non-retryable").
var nonRetryableKinds = map[model.BuildErrorKind]bool{
	model.KindDependencyConflict:      true,
	model.KindDependencyResolutionErr: true,
}

// IsAutoFixable reports whether e's kind is fixable outright, or
// conditionally fixable and the condition in spec.md §4.F's matrix holds.
func IsAutoFixable(e model.BuildError) bool {
	switch e.Kind {
	case model.KindJSXUnclosedTag, model.KindJSXTagMismatch,
		model.KindMissingSemicolon, model.KindMissingParenthesis,
		model.KindUnterminatedString, model.KindMissingReactImport:
		return true
	case model.KindJSXExpressionError:
		lower := strings.ToLower(e.Message)
		return strings.Contains(lower, "classname") || strings.Contains(lower, "style")
	case model.KindJSXSyntaxError:
		lower := strings.ToLower(e.Message)
		return strings.Contains(lower, "classname") || strings.Contains(lower, "class=")
	default:
		return false
	}
}

// Patch is a proposed single-file mechanical fix.
type Patch struct {
	Path       string
	NewContent string
	Error      model.BuildError
}

// Fix applies the auto-fixability matrix to each error against its current
// file content, returning one Patch per successfully fixed error. Errors
// this pass could not resolve (unfixable kind, or file content unavailable)
// are simply omitted — the caller compares len(patches) against the
// fixable-error count to decide whether the attempt made progress.
func Fix(errs []model.BuildError, fileContents map[string]string) []Patch {
	var patches []Patch
	for _, e := range errs {
		if !e.AutoFixable {
			continue
		}
		content, ok := fileContents[e.File]
		if !ok {
			continue
		}
		fixed, ok := applyFix(e, content)
		if !ok {
			continue
		}
		patches = append(patches, Patch{Path: e.File, NewContent: fixed, Error: e})
	}
	return patches
}

func applyFix(e model.BuildError, content string) (string, bool) {
	switch e.Kind {
	case model.KindMissingReactImport:
		if strings.Contains(content, "import React") {
			return content, true
		}
		return "import React from 'react';\n" + content, true
	case model.KindMissingSemicolon:
		return insertAtLineColumn(content, e.Line, e.Column, ";"), true
	case model.KindMissingParenthesis:
		return insertAtLineColumn(content, e.Line, e.Column, ")"), true
	case model.KindUnterminatedString:
		return appendQuoteAtLineEnd(content, e.Line), true
	case model.KindJSXUnclosedTag, model.KindJSXTagMismatch:
		return fixJSXTag(content, e), true
	case model.KindJSXExpressionError, model.KindJSXSyntaxError:
		// These are only conditionally fixable (the message mentions
		// className, or style for expression errors and class= for syntax
		// errors); the concrete rewrite is the same closing-tag repair as the
		// mismatch case, since in practice both arise from a malformed JSX
		// attribute expression that also breaks tag balancing.
		return fixJSXTag(content, e), true
	default:
		return "", false
	}
}

func insertAtLineColumn(content string, line, column int, token string) string {
	lines := strings.Split(content, "\n")
	idx := line - 1
	if idx < 0 || idx >= len(lines) {
		return content
	}
	target := lines[idx]
	col := column
	if col < 0 || col > len(target) {
		col = len(target)
	}
	lines[idx] = target[:col] + token + target[col:]
	return strings.Join(lines, "\n")
}

func appendQuoteAtLineEnd(content string, line int) string {
	lines := strings.Split(content, "\n")
	idx := line - 1
	if idx < 0 || idx >= len(lines) {
		return content
	}
	quote := `"`
	if strings.Count(lines[idx], "'")%2 == 1 {
		quote = "'"
	}
	lines[idx] = lines[idx] + quote
	return strings.Join(lines, "\n")
}

func fixJSXTag(content string, e model.BuildError) string {
	lines := strings.Split(content, "\n")
	idx := e.Line - 1
	if idx < 0 || idx >= len(lines) {
		return content
	}
	tagName := extractOpeningTagName(content)
	if tagName == "" {
		return content
	}
	closing := "</" + tagName + ">"
	if existing := findClosingTagOnLine(lines[idx], tagName); existing != "" {
		lines[idx] = strings.Replace(lines[idx], existing, closing, 1)
		return strings.Join(lines, "\n")
	}
	lines[idx] = lines[idx] + closing
	return strings.Join(lines, "\n")
}

func extractOpeningTagName(content string) string {
	idx := strings.IndexByte(content, '<')
	if idx < 0 {
		return ""
	}
	rest := content[idx+1:]
	end := strings.IndexAny(rest, " \t\n>/")
	if end <= 0 {
		return ""
	}
	return rest[:end]
}

func findClosingTagOnLine(line, tagName string) string {
	needle := "</" + tagName
	idx := strings.Index(line, needle)
	if idx < 0 {
		return ""
	}
	end := strings.IndexByte(line[idx:], '>')
	if end < 0 {
		return ""
	}
	return line[idx : idx+end+1]
}

// RetryBudget implements spec.md §4.F's exact threshold formula given a
// detected error set of size n with k auto-fixable, refusing entirely when
// any detected kind is non-retryable.
func RetryBudget(errs []model.BuildError) int {
	n := len(errs)
	if n == 0 {
		return 0
	}
	k := 0
	for _, e := range errs {
		if nonRetryableKinds[e.Kind] {
			return 0
		}
		if e.AutoFixable {
			k++
		}
	}
	switch {
	case k == n && n <= 3:
		return 3
	case float64(k) >= 0.7*float64(n) && n <= 5:
		return 2
	case k > 0 && float64(k) < 0.7*float64(n):
		return 1
	default:
		return 0
	}
}

// RetryDelays is the fixed 30s/60s/120s schedule between auto-fix attempts
// (spec.md §4.F).
func RetryDelays() []int {
	return []int{30, 60, 120}
}
