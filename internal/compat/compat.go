// Package compat applies vendor-specific request/response normalization:
// base-URL fixups, compaction of consecutive tool-call messages, strict
// validation of tool-call outputs against the declared schemas, and the
// opt-in canonicalization of dotted tool names.
package compat

import (
	"os"
	"regexp"
	"strings"
)

var (
	trailingSegmentRe = regexp.MustCompile(`/(chat|completions|messages)/?$`)
	duplicateSlashRe  = regexp.MustCompile(`([^:])//+`)
)

// NormalizeBaseURL canonicalizes an upstream base URL: trailing chat/,
// completions/ and messages/ segments are stripped, duplicate slashes are
// collapsed, api.openai.com gains a /v1 suffix and open.bigmodel.cn loses a
// stray one. The function is idempotent.
func NormalizeBaseURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return url
	}
	url = duplicateSlashRe.ReplaceAllString(url, "$1/")
	for {
		trimmed := trailingSegmentRe.ReplaceAllString(url, "")
		if trimmed == url {
			break
		}
		url = trimmed
	}
	url = strings.TrimRight(url, "/")

	if strings.Contains(url, "api.openai.com") && !strings.HasSuffix(url, "/v1") {
		url += "/v1"
	}
	if strings.Contains(url, "open.bigmodel.cn") {
		url = strings.TrimSuffix(url, "/v1")
	}
	return url
}

// dottedToolWhitelist lists the tool base-names eligible for dotted-name
// canonicalization.
var dottedToolWhitelist = map[string]bool{
	"read_file":      true,
	"write_file":     true,
	"list_directory": true,
	"run_command":    true,
	"search":         true,
	"fetch":          true,
}

// CanonicalizeDottedToolNames reports whether the opt-in dotted tool-name
// splitting is enabled.
func CanonicalizeDottedToolNames() bool {
	v := strings.TrimSpace(os.Getenv("RCC_CANONICALIZE_DOTTED_TOOL_NAMES"))
	return v == "1" || strings.EqualFold(v, "true")
}

// SplitDottedToolName splits "{prefix}.{base}" into base name and server
// prefix when base is whitelisted. The boolean result reports whether a
// split happened.
func SplitDottedToolName(name string) (base, server string, ok bool) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return name, "", false
	}
	base = name[idx+1:]
	if !dottedToolWhitelist[base] {
		return name, "", false
	}
	return base, name[:idx], true
}
