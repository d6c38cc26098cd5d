package decode

import (
	"fmt"
	"mime"
	"strings"

	"logferry/internal/failure"
	"logferry/internal/task"
)

// Rule selects a format. Empty matchers match anything; a rule needs at
// least one non-empty matcher to be valid.
type Rule struct {
	Prefix      string `koanf:"prefix" yaml:"prefix"`
	Suffix      string `koanf:"suffix" yaml:"suffix"`
	ContentType string `koanf:"content_type" yaml:"content_type"`
	Format      Format `koanf:"format" yaml:"format"`
}

func (r Rule) matches(key, contentType string) bool {
	if r.Prefix == "" && r.Suffix == "" && r.ContentType == "" {
		return false
	}
	if r.Prefix != "" && !strings.HasPrefix(key, r.Prefix) {
		return false
	}
	if r.Suffix != "" && !strings.HasSuffix(strings.ToLower(key), strings.ToLower(r.Suffix)) {
		return false
	}
	if r.ContentType != "" && !strings.EqualFold(r.ContentType, contentType) {
		return false
	}
	return true
}

// DefaultRules mirrors the bucket layout of the upstream log producers.
var DefaultRules = []Rule{
	{Prefix: "json-logs/", Format: FormatJSON},
	{Prefix: "ndjson-logs/", Format: FormatNDJSON},
	{Prefix: "csv-logs/", Format: FormatCSV},
	{Prefix: "plain-logs/", Format: FormatText},
	{ContentType: "application/x-ndjson", Format: FormatNDJSON},
	{ContentType: "application/json", Format: FormatJSON},
	{ContentType: "text/csv", Format: FormatCSV},
	{ContentType: "text/plain", Format: FormatText},
	{Suffix: ".ndjson", Format: FormatNDJSON},
	{Suffix: ".jsonl", Format: FormatNDJSON},
	{Suffix: ".json", Format: FormatJSON},
	{Suffix: ".csv", Format: FormatCSV},
	{Suffix: ".log", Format: FormatText},
}

type Router struct {
	rules    []Rule
	fallback Format
}

// NewRouter validates rules; fallback may be empty to reject unmatched objects.
func NewRouter(rules []Rule, fallback Format) (*Router, error) {
	for i, r := range rules {
		if r.Prefix == "" && r.Suffix == "" && r.ContentType == "" {
			return nil, fmt.Errorf("route %d: needs prefix, suffix or content_type", i)
		}
		if _, ok := registry[r.Format]; !ok {
			return nil, fmt.Errorf("route %d: unknown format %q", i, r.Format)
		}
	}
	if fallback != "" {
		if _, ok := registry[fallback]; !ok {
			return nil, fmt.Errorf("unknown default format %q", fallback)
		}
	}
	return &Router{rules: rules, fallback: fallback}, nil
}

// Select picks the decoder for obj. The first matching rule wins.
func (r *Router) Select(obj task.ObjectRef) (Decoder, error) {
	key := StripCompressionSuffix(obj.Key)
	ct := obj.ContentType
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	for _, rule := range r.rules {
		if rule.matches(key, ct) {
			return Lookup(rule.Format)
		}
	}
	if r.fallback != "" {
		return Lookup(r.fallback)
	}
	return nil, failure.Permanent(fmt.Errorf("no decoder route for %s (content type %q)", obj.ID(), obj.ContentType))
}
