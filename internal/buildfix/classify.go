// Package buildfix classifies failing CI job logs into the closed
// BuildErrorKind taxonomy and applies mechanical fixes for the auto-fixable
// subset (spec.md §4.F). Grounded on the teacher's terse, table-driven error
// normalization idiom (tools/si/internal/githubbridge/errors.go,
// cloudflarebridge/errors.go), generalized from one HTTP-error shape to a
// fixed set of compiler/bundler log-line regexes.
package buildfix

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/overskill/deployctl/internal/model"
)

// logPattern is one compiled regex for a known log format variant, plus the
// BuildErrorKind it always reports (some formats carry the kind in the
// message itself and are handled in classifyTypeScriptMessage and
// classifyLegacyMessage instead).
type logPattern struct {
	name string
	re   *regexp.Regexp
	kind model.BuildErrorKind
}

var (
	// Modern compiler diagnostic: ##[error]path(l,c): error TS####: msg
	reTypeScript = regexp.MustCompile(`##\[error\](?P<file>[^(]+)\((?P<line>\d+),(?P<col>\d+)\):\s*error\s+TS\d+:\s*(?P<msg>.+)`)
	// Legacy: Error: path:l:c: msg
	reLegacy = regexp.MustCompile(`(?m)^Error:\s*(?P<file>[^:]+):(?P<line>\d+):(?P<col>\d+):\s*(?P<msg>.+)$`)
	// Module resolution: Cannot resolve module '…' from '…'
	reModuleResolution = regexp.MustCompile(`Cannot resolve module '(?P<module>[^']+)' from '(?P<file>[^']+)'`)
	// npm ERR! …
	reNpmErr = regexp.MustCompile(`(?m)^npm ERR!\s*(?P<msg>.+)$`)
	// Tailwind: warn - The utility '…' is not available
	reTailwind = regexp.MustCompile(`warn\s*-\s*The utility '(?P<class>[^']+)' is not available`)
)

// Classify scans every job's logs with the fixed regex table, merges
// duplicates at the same (file, line) keeping the highest-severity
// classification, and normalizes file paths to repo-relative (spec.md
// §4.F "Parsing rules").
func Classify(jobs []model.JobLog) []model.BuildError {
	var all []model.BuildError
	for _, job := range jobs {
		all = append(all, classifyLog(job.Logs)...)
	}
	return mergeByFileLine(all)
}

func classifyLog(logs string) []model.BuildError {
	var out []model.BuildError

	for _, m := range findAllNamed(reTypeScript, logs) {
		line, _ := strconv.Atoi(m["line"])
		col, _ := strconv.Atoi(m["col"])
		out = append(out, model.BuildError{
			Kind:     classifyTypeScriptMessage(m["msg"]),
			File:     normalizePath(m["file"]),
			Line:     line,
			Column:   col,
			Message:  strings.TrimSpace(m["msg"]),
			Severity: model.SeverityMedium,
		})
	}

	for _, m := range findAllNamed(reLegacy, logs) {
		line, _ := strconv.Atoi(m["line"])
		col, _ := strconv.Atoi(m["col"])
		out = append(out, model.BuildError{
			Kind:     classifyLegacyMessage(m["msg"]),
			File:     normalizePath(m["file"]),
			Line:     line,
			Column:   col,
			Message:  strings.TrimSpace(m["msg"]),
			Severity: model.SeverityMedium,
		})
	}

	for _, m := range findAllNamed(reModuleResolution, logs) {
		out = append(out, model.BuildError{
			Kind:     model.KindModuleNotFound,
			File:     normalizePath(m["file"]),
			Message:  "cannot resolve module '" + m["module"] + "'",
			Severity: model.SeverityHigh,
		})
	}

	for _, m := range findAllNamed(reNpmErr, logs) {
		kind := model.KindDependencyResolutionErr
		if strings.Contains(strings.ToUpper(m["msg"]), "CONFLICT") {
			kind = model.KindDependencyConflict
		}
		out = append(out, model.BuildError{
			Kind:     kind,
			Message:  strings.TrimSpace(m["msg"]),
			Severity: model.SeverityHigh,
		})
	}

	for _, m := range findAllNamed(reTailwind, logs) {
		out = append(out, model.BuildError{
			Kind:     model.KindInvalidTailwindClass,
			Message:  "invalid tailwind class '" + m["class"] + "'",
			Severity: model.SeverityLow,
		})
	}

	for i := range out {
		out[i].AutoFixable = IsAutoFixable(out[i])
	}
	return out
}

// classifyTypeScriptMessage maps a `TS####: msg` body to the closed taxonomy,
// falling back to the generic typescript_error kind.
func classifyTypeScriptMessage(msg string) model.BuildErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "is not assignable to"):
		return model.KindTypeMismatch
	case strings.Contains(lower, "expected") && strings.Contains(lower, "arguments"):
		return model.KindArgumentCountMismatch
	case strings.Contains(lower, "cannot find name"):
		return model.KindUndefinedVariable
	case strings.Contains(lower, "property") && strings.Contains(lower, "does not exist"):
		return model.KindPropertyNotFound
	default:
		return model.KindTypeScriptError
	}
}

func classifyLegacyMessage(msg string) model.BuildErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unexpected token"):
		return model.KindUnexpectedToken
	case strings.Contains(lower, "unterminated string"):
		return model.KindUnterminatedString
	case strings.Contains(lower, "expected ';'") || strings.Contains(lower, "missing semicolon"):
		return model.KindMissingSemicolon
	case strings.Contains(lower, "expected ')'") || strings.Contains(lower, "missing parenthesis") || strings.Contains(lower, "')' expected"):
		return model.KindMissingParenthesis
	case strings.Contains(lower, "unclosed") && strings.Contains(lower, "tag"):
		return model.KindJSXUnclosedTag
	case strings.Contains(lower, "expected corresponding jsx closing tag"):
		return model.KindJSXTagMismatch
	case strings.Contains(lower, "jsx expression"):
		return model.KindJSXExpressionError
	case strings.Contains(lower, "react") && strings.Contains(lower, "is not defined"):
		return model.KindMissingReactImport
	case strings.Contains(lower, "undefined is not an object") || strings.Contains(lower, "cannot read propert"):
		return model.KindUndefinedPropertyAccess
	case strings.Contains(lower, "css"):
		return model.KindCSSSyntaxError
	case strings.Contains(lower, "cannot find module") || strings.Contains(lower, "module not found"):
		return model.KindModuleNotFound
	default:
		return model.KindJSXSyntaxError
	}
}

// workspaceMarkers are the directory names spec.md §4.F names to normalize
// paths against. They are tried in this order and the first one present in
// the path wins; "workspace/" is cut off together with everything before it,
// while the other markers are kept as the first path segment.
var workspaceMarkers = []string{"workspace/", "src/", "app/", "components/", "pages/", "lib/", "utils/"}

func normalizePath(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, marker := range workspaceMarkers {
		if idx := strings.Index(raw, marker); idx >= 0 {
			if marker == "workspace/" {
				return raw[idx+len(marker):]
			}
			return raw[idx:]
		}
	}
	return raw
}

func mergeByFileLine(errs []model.BuildError) []model.BuildError {
	type key struct {
		file string
		line int
	}
	order := make([]key, 0, len(errs))
	best := make(map[key]model.BuildError, len(errs))
	for _, e := range errs {
		k := key{file: e.File, line: e.Line}
		existing, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = e
			continue
		}
		if severityRank(e.Severity) > severityRank(existing.Severity) {
			best[k] = e
		}
	}
	out := make([]model.BuildError, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityHigh:
		return 3
	case model.SeverityMedium:
		return 2
	case model.SeverityLow:
		return 1
	default:
		return 0
	}
}

// findAllNamed returns one map[name]value per match, keyed by re's named
// capture groups.
func findAllNamed(re *regexp.Regexp, text string) []map[string]string {
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	names := re.SubexpNames()
	out := make([]map[string]string, 0, len(matches))
	for _, m := range matches {
		entry := make(map[string]string, len(names))
		for i, name := range names {
			if name == "" || i >= len(m) {
				continue
			}
			entry[name] = m[i]
		}
		out = append(out, entry)
	}
	return out
}
