package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// PatternKind selects which ordered list a pattern belongs to.
type PatternKind string

const (
	// KindCommand patterns are matched against each decomposed command segment.
	KindCommand PatternKind = "command"
	// KindSensitive patterns are matched against path arguments and whole commands.
	KindSensitive PatternKind = "sensitive"
	// KindConfig patterns are matched against path arguments and whole commands.
	KindConfig PatternKind = "config"
)

// Pattern is one ordered classification rule.
type Pattern struct {
	Kind     PatternKind
	Level    RiskLevel
	Pattern  string
	Compiled *regexp.Regexp
	// Reason prefixes the human-readable verdict; the matched text is appended.
	Reason string
	// Source is "builtin" or "config".
	Source string
}

// SegmentMatch describes a rule hit on one segment (or path string).
type SegmentMatch struct {
	Segment        string    `json:"segment"`
	Level          RiskLevel `json:"level"`
	Reason         string    `json:"reason"`
	MatchedPattern string    `json:"matched_pattern"`
}

// MatchResult is the outcome of classifying a whole command string.
type MatchResult struct {
	// Matched is false when no rule applied. Level is meaningless in that case.
	Matched bool           `json:"matched"`
	Level   RiskLevel      `json:"level"`
	Reason  string         `json:"reason,omitempty"`
	Command string         `json:"command"`
	Hits    []SegmentMatch `json:"hits,omitempty"`
	// Segments lists every decomposed segment, matched or not.
	Segments []string `json:"segments"`
}

// Structural rule names, reported as MatchedPattern.
const (
	rulePipeToShell   = "structural:pipe-to-shell"
	ruleObfuscatedBin = "structural:obfuscated-binary"
)

var (
	bannedBinaries = map[string]bool{
		"sudo": true, "doas": true,
		"curl": true, "wget": true,
		"nc": true, "ncat": true, "netcat": true,
		"ssh": true, "scp": true, "sftp": true, "telnet": true,
	}
	shellInterpreters = map[string]bool{
		"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
		"fish": true, "csh": true, "tcsh": true, "ash": true, "mksh": true,
	}
	// Words that run the next word as a command.
	commandWrappers = map[string]bool{
		"env": true, "command": true, "exec": true, "nohup": true,
		"time": true, "nice": true, "stdbuf": true, "builtin": true,
		"sudo": true, "doas": true,
	}
)

// PatternEngine holds the ordered pattern library.
type PatternEngine struct {
	mu        sync.RWMutex
	commands  []*Pattern
	sensitive []*Pattern
	config    []*Pattern
}

// NewPatternEngine creates a pattern engine loaded with the built-in rules.
func NewPatternEngine() *PatternEngine {
	engine := &PatternEngine{}
	engine.LoadDefaultPatterns()
	return engine
}

type rule struct {
	level   RiskLevel
	pattern string
	reason  string
}

// LoadDefaultPatterns resets the engine to the built-in rules.
//
// Evaluation order is significant: the path-prefixed binary rule must run
// before the bare-name rule so that "/usr/bin/curl" reports the evasion.
func (e *PatternEngine) LoadDefaultPatterns() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.commands = compilePatterns(KindCommand, []rule{
		{L3, `(^|[\s;&|(=` + "`" + `])[^\s;&|()=` + "`" + `]*/(sudo|doas|curl|wget|nc|ncat|netcat|ssh|scp|sftp|telnet)(\s|$)`, "banned binary via path prefix"},
		{L3, `\b(sudo|doas)\b`, "privilege escalation"},
		{L3, `\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*|(-r|-R|--recursive)\s+(-f|--force)|(-f|--force)\s+(-r|-R|--recursive))(\s|$)`, "recursive forced delete"},
		{L3, `(^|[^./\w])(curl|wget|nc|ncat|netcat|ssh|scp|sftp|telnet)\b`, "banned network client"},
		{L3, `\b(python[0-9.]*|node|nodejs|deno|bun|ruby|php|perl)\b.*\b(requests|urllib[0-9]?|http\.client|httpx|aiohttp|socket|fetch|axios|https?\.(get|request)|net/http|Net::HTTP|open-uri|IO::Socket|LWP|curl_exec|fsockopen|stream_socket_client|XMLHttpRequest|WebSocket)\b`, "scripting language network access"},
		{L3, `\bbase64\b.*\s(-d|-D|--decode|-di)\b|\bb64decode\b|\batob\s*\(|\bbase64_decode\b|\bdecode64\b`, "base64 decode"},
		{L3, `\bchmod\s+(-[a-z]+\s+)*([ugoa]*\+[rwxXst]*x|[0-7]*[1357][0-7]{0,2}\b)`, "permission escalation"},
		{L3, `[<>]\(|<<<`, "process substitution or here-string"},
		{L3, "`" + `|\$\(`, "command substitution"},
		{L3, `\bgit\b.*\bpush\b.*(\s--force(-with-lease)?\b|\s-[a-z]*f\b|\s\+\S+)`, "forced git push"},
	}, "builtin")

	e.sensitive = compilePatterns(KindSensitive, []rule{
		{L3, `(^|[\s/'"=:])\.env(\.[\w.-]+)?($|[\s'";|&)])`, "sensitive path"},
		{L3, `(^|[\s/'"=:])\.envrc($|[\s'";|&)])`, "sensitive path"},
		{L3, `(^|[\s/'"=:~])\.ssh($|[/\s'";|&)])`, "sensitive path"},
		{L3, `\.(pem|key|p12|pfx|jks|keystore|ppk|gpg|asc)($|[\s'";|&)])`, "sensitive path"},
		{L3, `\bid_(rsa|dsa|ecdsa|ed25519)\b`, "sensitive path"},
		{L3, `(^|[\s/'"=:~])\.(aws|gnupg|kube|docker)/`, "sensitive path"},
		{L3, `(^|[\s/'"=:~])\.(netrc|pgpass|git-credentials|npmrc|pypirc)($|[\s'";|&)])`, "sensitive path"},
		{L3, `\bcredentials?(\.[\w]+)?($|[\s'";|&)/])`, "sensitive path"},
		{L3, `\bsecrets?\.(ya?ml|json|toml|env)\b`, "sensitive path"},
		{L3, `/etc/(shadow|gshadow|sudoers|passwd)\b`, "sensitive path"},
	}, "builtin")

	e.config = compilePatterns(KindConfig, []rule{
		{L2, `(^|[\s/'"=:])(package(-lock)?\.json|npm-shrinkwrap\.json|yarn\.lock|pnpm-lock\.yaml|go\.(mod|sum|work)|Cargo\.(toml|lock)|requirements[\w.-]*\.txt|pyproject\.toml|setup\.(py|cfg)|Pipfile(\.lock)?|Gemfile(\.lock)?|composer\.json|pom\.xml|build\.gradle(\.kts)?)($|[\s'";|&)])`, "configuration file"},
		{L2, `(^|[\s/'"=:])(Dockerfile[\w.-]*|docker-compose[\w.-]*\.ya?ml|compose\.ya?ml|\.dockerignore|Makefile|Jenkinsfile|\.gitlab-ci\.ya?ml|\.travis\.ya?ml|\.pre-commit-config\.ya?ml)($|[\s'";|&)])`, "configuration file"},
		{L2, `(^|[\s/'"=:])\.(github/workflows|circleci|buildkite)/`, "configuration file"},
		{L2, `(^|[\s/'"=:])(\.eslintrc[\w.-]*|eslint\.config\.[cm]?[jt]s|\.prettierrc[\w.-]*|prettier\.config\.[cm]?js|tsconfig[\w.-]*\.json|\.golangci\.ya?ml|\.editorconfig|\.stylelintrc[\w.-]*|\.rubocop\.yml|ruff\.toml|\.flake8|biome\.json)($|[\s'";|&)])`, "configuration file"},
	}, "builtin")
}

func compilePatterns(kind PatternKind, rules []rule, source string) []*Pattern {
	result := make([]*Pattern, 0, len(rules))
	for _, r := range rules {
		compiled, err := regexp.Compile("(?i)" + r.pattern)
		if err != nil {
			// Built-in patterns must always be valid.
			if source == "builtin" {
				panic(fmt.Sprintf("invalid builtin pattern %q: %v", r.pattern, err))
			}
			continue
		}
		result = append(result, &Pattern{
			Kind:     kind,
			Level:    r.level,
			Pattern:  r.pattern,
			Compiled: compiled,
			Reason:   r.reason,
			Source:   source,
		})
	}
	return result
}

// ClassifyCommand decomposes cmd and classifies each segment, reporting the
// maximum level. An L3 hit stops evaluation. The whole string is then
// searched for sensitive and configuration paths.
func (e *PatternEngine) ClassifyCommand(cmd string) *MatchResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &MatchResult{Command: cmd}
	pieces := split(cmd)
	for _, p := range pieces {
		result.Segments = append(result.Segments, p.text)
	}

	for _, p := range pieces {
		m := e.matchSegmentLocked(p.text)
		if m == nil && p.piped {
			m = matchPipeTarget(p.text)
		}
		if m == nil {
			continue
		}
		result.record(*m)
		if m.Level == L3 {
			return result
		}
	}

	if m := e.matchPathLocked(cmd); m != nil {
		result.record(*m)
	}

	return result
}

func (r *MatchResult) record(m SegmentMatch) {
	r.Hits = append(r.Hits, m)
	if !r.Matched || m.Level > r.Level {
		r.Level = m.Level
		r.Reason = m.Reason
	}
	r.Matched = true
}

// MatchSegment returns the first rule that matches a single segment, or nil.
func (e *PatternEngine) MatchSegment(segment string) *SegmentMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matchSegmentLocked(segment)
}

func (e *PatternEngine) matchSegmentLocked(segment string) *SegmentMatch {
	if m := firstMatch(segment, e.commands); m != nil {
		return m
	}
	// Quoting or escaping the binary name ("c'u'rl", \curl) defeats the
	// regex rules but not the shell, so look at the unquoted executable.
	if name := commandName(segment); bannedBinaries[name] {
		return &SegmentMatch{
			Segment:        segment,
			Level:          L3,
			Reason:         "banned binary: " + name,
			MatchedPattern: ruleObfuscatedBin,
		}
	}
	return nil
}

// MatchPath applies the sensitive-path rule, then the configuration-file rule.
func (e *PatternEngine) MatchPath(s string) *SegmentMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matchPathLocked(s)
}

func (e *PatternEngine) matchPathLocked(s string) *SegmentMatch {
	if m := firstMatch(s, e.sensitive); m != nil {
		return m
	}
	return firstMatch(s, e.config)
}

func firstMatch(s string, patterns []*Pattern) *SegmentMatch {
	for _, p := range patterns {
		loc := p.Compiled.FindStringIndex(s)
		if loc == nil {
			continue
		}
		cutset := " \t;|&()'\"=:`{}[]<>!,"
		if p.Kind != KindCommand {
			cutset += "/~"
		}
		return &SegmentMatch{
			Segment:        s,
			Level:          p.Level,
			Reason:         p.Reason + ": " + strings.Trim(s[loc[0]:loc[1]], cutset),
			MatchedPattern: p.Pattern,
		}
	}
	return nil
}

// matchPipeTarget flags a shell interpreter receiving a pipeline.
func matchPipeTarget(segment string) *SegmentMatch {
	name := commandName(segment)
	if !shellInterpreters[name] {
		return nil
	}
	return &SegmentMatch{
		Segment:        segment,
		Level:          L3,
		Reason:         "pipe to shell: " + name,
		MatchedPattern: rulePipeToShell,
	}
}

// commandName returns the basename of the executable a segment runs, after
// removing quoting, leading variable assignments and wrapper commands.
func commandName(segment string) string {
	parser := shellwords.NewParser()
	words, err := parser.Parse(segment)
	if err != nil || len(words) == 0 {
		words = strings.Fields(segment)
	}

	for i := 0; i < len(words); i++ {
		w := strings.TrimLeft(words[i], "\\")
		switch {
		case w == "":
			continue
		case isAssignment(w):
			continue
		case strings.HasPrefix(w, "-") && i > 0:
			// Flags belonging to a wrapper (env -i, nice -n 5).
			continue
		case commandWrappers[path.Base(w)] && i+1 < len(words):
			continue
		}
		return strings.ToLower(path.Base(w))
	}
	return ""
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for _, c := range w[:eq] {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// AddPattern appends a rule to the end of the list for kind.
func (e *PatternEngine) AddPattern(kind PatternKind, level RiskLevel, pattern, reason, source string) error {
	if !level.Valid() {
		return fmt.Errorf("invalid level %d", int(level))
	}
	compiled, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "custom rule"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &Pattern{
		Kind:     kind,
		Level:    level,
		Pattern:  pattern,
		Compiled: compiled,
		Reason:   reason,
		Source:   source,
	}

	switch kind {
	case KindCommand:
		e.commands = append(e.commands, p)
	case KindSensitive:
		e.sensitive = append(e.sensitive, p)
	case KindConfig:
		e.config = append(e.config, p)
	default:
		return fmt.Errorf("unknown pattern kind %q", kind)
	}
	return nil
}

// RemovePattern removes a rule by its source text.
func (e *PatternEngine) RemovePattern(kind PatternKind, pattern string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var list *[]*Pattern
	switch kind {
	case KindCommand:
		list = &e.commands
	case KindSensitive:
		list = &e.sensitive
	case KindConfig:
		list = &e.config
	default:
		return false
	}

	for i, p := range *list {
		if p.Pattern == pattern {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// ListPatterns returns a copy of the ordered rules for kind.
func (e *PatternEngine) ListPatterns(kind PatternKind) []*Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var src []*Pattern
	switch kind {
	case KindCommand:
		src = e.commands
	case KindSensitive:
		src = e.sensitive
	case KindConfig:
		src = e.config
	}
	out := make([]*Pattern, len(src))
	copy(out, src)
	return out
}

// PatternExport is the serializable form of the library.
type PatternExport struct {
	Version     string                     `json:"version"`
	GeneratedAt time.Time                  `json:"generated_at"`
	SHA256      string                     `json:"sha256"`
	Kinds       map[string][]PatternDetail `json:"kinds"`
	Count       int                        `json:"pattern_count"`
}

// PatternDetail is one exported rule. Order matches evaluation order.
type PatternDetail struct {
	Level   string `json:"level"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
	Source  string `json:"source"`
}

// Export returns every rule in evaluation order.
func (e *PatternEngine) Export() *PatternExport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	export := &PatternExport{
		Version:     "1.0.0",
		GeneratedAt: time.Now().UTC(),
		Kinds:       make(map[string][]PatternDetail),
	}
	for kind, list := range e.listsLocked() {
		details := make([]PatternDetail, 0, len(list))
		for _, p := range list {
			details = append(details, PatternDetail{
				Level:   p.Level.String(),
				Pattern: p.Pattern,
				Reason:  p.Reason,
				Source:  p.Source,
			})
		}
		export.Kinds[string(kind)] = details
		export.Count += len(details)
	}
	export.SHA256 = e.computeHashLocked()
	return export
}

// ExportJSON returns Export as indented JSON.
func (e *PatternEngine) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(e.Export(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ComputeHash returns a deterministic hash of the library for change tracking.
func (e *PatternEngine) ComputeHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.computeHashLocked()
}

func (e *PatternEngine) listsLocked() map[PatternKind][]*Pattern {
	return map[PatternKind][]*Pattern{
		KindCommand:   e.commands,
		KindSensitive: e.sensitive,
		KindConfig:    e.config,
	}
}

func (e *PatternEngine) computeHashLocked() string {
	var all []string
	for kind, list := range e.listsLocked() {
		// Order within a kind is semantic, so the index is part of the hash.
		for i, p := range list {
			all = append(all, fmt.Sprintf("%s:%03d:%s:%s", kind, i, p.Level, p.Pattern))
		}
	}
	sort.Strings(all)

	h := sha256.New()
	for _, p := range all {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
