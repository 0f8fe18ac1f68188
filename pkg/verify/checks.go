package verify

import (
	"path/filepath"
	"strings"

	"questsync/pkg/proto"
)

// Error kinds reported by the structural checks.
const (
	errKindSyntax      = "syntax"
	errKindIndentation = "indentation"
)

// Style issue categories.
const (
	styleLongLine   = "long-line"
	styleDeprecated = "deprecated"
	styleNaming     = "naming"
)

const maxLineLength = 120

type language int

const (
	langUnknown language = iota
	langCFamily          // JS/TS/C/C++/Java/C#/PHP: semicolon-terminated statements
	langPython
	langGo
)

type styleIssue struct {
	category string
	line     int
	message  string
}

// detectLanguage classifies a file by extension for the per-language
// heuristics.
func detectLanguage(path string) language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".jsx", ".ts", ".tsx", ".c", ".h", ".cpp", ".cc", ".java", ".cs", ".php":
		return langCFamily
	case ".py":
		return langPython
	case ".go":
		return langGo
	default:
		return langUnknown
	}
}

// checkSyntax runs the global bracket balance check plus per-language
// heuristics. Findings are ordered by line so identical inputs produce
// identical error lists.
func checkSyntax(code, path string) []proto.CheckError {
	var errs []proto.CheckError

	errs = append(errs, checkBracketBalance(code)...)

	switch detectLanguage(path) {
	case langCFamily:
		errs = append(errs, checkSemicolons(code)...)
	case langPython:
		errs = append(errs, checkPythonBlocks(code)...)
		errs = append(errs, checkPythonIndentation(code)...)
	case langGo, langUnknown:
		// Bracket balance only.
	}

	return errs
}

// checkBracketBalance scans for unmatched (), [], {} outside string literals.
func checkBracketBalance(code string) []proto.CheckError {
	type open struct {
		ch   byte
		line int
	}
	var stack []open
	var errs []proto.CheckError

	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	line := 1
	inString := byte(0)

	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '\n' {
			line++
			inString = 0 // A newline terminates single-line literals.
			continue
		}
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = c
		case '(', '[', '{':
			stack = append(stack, open{ch: c, line: line})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].ch != pairs[c] {
				errs = append(errs, proto.CheckError{
					Kind:       errKindSyntax,
					Line:       line,
					Message:    "unmatched closing '" + string(c) + "'",
					Suggestion: "Remove it or add the matching opening bracket.",
				})
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}

	for _, o := range stack {
		errs = append(errs, proto.CheckError{
			Kind:       errKindSyntax,
			Line:       o.line,
			Message:    "unmatched opening '" + string(o.ch) + "'",
			Suggestion: "Add the matching closing bracket.",
		})
	}

	return errs
}

// checkSemicolons flags statement lines in C-family code that are missing a
// terminator. Control-flow headers, braces, and continuation lines are
// exempt.
func checkSemicolons(code string) []proto.CheckError {
	var errs []proto.CheckError

	for i, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "/*") || strings.HasPrefix(line, "*") {
			continue
		}
		last := line[len(line)-1]
		switch last {
		case ';', '{', '}', ',', '(', ':', '>', '+', '-', '*', '/', '=', '&', '|', '.':
			continue
		}
		if isControlHeader(line) {
			continue
		}
		errs = append(errs, proto.CheckError{
			Kind:       errKindSyntax,
			Line:       i + 1,
			Message:    "statement may be missing a semicolon",
			Suggestion: "End the statement with ';'.",
		})
	}

	return errs
}

func isControlHeader(line string) bool {
	for _, kw := range []string{"if", "else", "for", "while", "switch", "case", "default", "do", "try", "catch", "finally", "function", "class", "export", "import", "return"} {
		if line == kw || strings.HasPrefix(line, kw+" ") || strings.HasPrefix(line, kw+"(") {
			return true
		}
	}
	return false
}

// checkPythonBlocks flags block openers missing the trailing colon.
func checkPythonBlocks(code string) []proto.CheckError {
	var errs []proto.CheckError

	openers := []string{"if", "elif", "else", "for", "while", "def", "class", "try", "except", "finally", "with"}
	for i, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, opener := range openers {
			if line == opener || line == opener+":" || strings.HasPrefix(line, opener+" ") {
				if !strings.HasSuffix(line, ":") && !strings.Contains(line, ": ") {
					errs = append(errs, proto.CheckError{
						Kind:       errKindSyntax,
						Line:       i + 1,
						Message:    "block statement missing ':'",
						Suggestion: "End the line with ':'.",
					})
				}
				break
			}
		}
	}

	return errs
}

// checkPythonIndentation flags indents that are not a multiple of the first
// indentation unit seen in the file.
func checkPythonIndentation(code string) []proto.CheckError {
	var errs []proto.CheckError
	unit := 0

	for i, raw := range strings.Split(code, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indent := len(raw) - len(strings.TrimLeft(raw, " "))
		if indent == 0 {
			continue
		}
		if unit == 0 {
			unit = indent
			continue
		}
		if indent%unit != 0 {
			errs = append(errs, proto.CheckError{
				Kind:       errKindIndentation,
				Line:       i + 1,
				Message:    "indentation is not a multiple of the file's indent unit",
				Suggestion: "Keep indentation consistent across the file.",
			})
		}
	}

	return errs
}

// checkStyle produces the style-improvement list: overlong lines, deprecated
// constructs, and naming-convention violations.
func checkStyle(code, path string) []styleIssue {
	var issues []styleIssue
	lang := detectLanguage(path)

	for i, raw := range strings.Split(code, "\n") {
		lineNo := i + 1
		if len(raw) > maxLineLength {
			issues = append(issues, styleIssue{
				category: styleLongLine,
				line:     lineNo,
				message:  "line exceeds 120 characters",
			})
		}

		line := strings.TrimSpace(raw)
		switch lang {
		case langCFamily:
			if strings.HasPrefix(line, "var ") {
				issues = append(issues, styleIssue{
					category: styleDeprecated,
					line:     lineNo,
					message:  "prefer 'let' or 'const' over 'var'",
				})
			}
			if name, ok := declaredName(line, "function "); ok && strings.Contains(name, "_") {
				issues = append(issues, styleIssue{
					category: styleNaming,
					line:     lineNo,
					message:  "function names should be camelCase",
				})
			}
		case langPython:
			if name, ok := declaredName(line, "def "); ok && name != strings.ToLower(name) {
				issues = append(issues, styleIssue{
					category: styleNaming,
					line:     lineNo,
					message:  "function names should be snake_case",
				})
			}
		case langGo, langUnknown:
			// Long-line check only.
		}
	}

	return issues
}

// declaredName extracts the identifier following a declaration keyword.
func declaredName(line, keyword string) (string, bool) {
	if !strings.HasPrefix(line, keyword) {
		return "", false
	}
	rest := line[len(keyword):]
	end := strings.IndexAny(rest, "( :")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

func improvementMessages(issues []styleIssue) []string {
	if len(issues) == 0 {
		return nil
	}
	messages := make([]string, 0, len(issues))
	for _, issue := range issues {
		messages = append(messages, issue.message)
	}
	return messages
}
