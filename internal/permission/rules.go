// Package permission decides whether a tool call may run: a YAML rule set
// answers allow, deny or ask, and an ApprovalManager resolves asks.
package permission

import (
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Action is a rule outcome.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

func (a Action) valid() bool {
	return a == Allow || a == Deny || a == Ask
}

// Rule matches a permission name and a pattern, both globs where "*"
// matches any run of characters.
type Rule struct {
	Permission string `yaml:"permission"`
	Pattern    string `yaml:"pattern"`
	Action     Action `yaml:"action"`
}

// RuleSet is the serializable permission policy. The last matching rule
// wins, so specific rules are listed after general ones.
type RuleSet struct {
	Default Action `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// Default asks for everything.
func Default() RuleSet {
	return RuleSet{Default: Ask}
}

// Load reads a rule set from path. A missing or empty file yields Default.
func Load(path string) (RuleSet, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return RuleSet{}, fmt.Errorf("read permissions: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse permissions: %w", err)
	}
	if rs.Default == "" {
		rs.Default = Ask
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate rejects unknown actions and empty permissions.
func (rs RuleSet) Validate() error {
	if !rs.Default.valid() {
		return fmt.Errorf("unknown default action %q", rs.Default)
	}
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.Permission) == "" {
			return fmt.Errorf("rule %d: empty permission", i)
		}
		if !r.Action.valid() {
			return fmt.Errorf("rule %d: unknown action %q", i, r.Action)
		}
	}
	return nil
}

// Evaluate returns the action of the last rule matching permission and
// pattern, or the default.
func (rs RuleSet) Evaluate(permission, pattern string) Action {
	for i := len(rs.Rules) - 1; i >= 0; i-- {
		r := rs.Rules[i]
		if !Match(r.Permission, permission) {
			continue
		}
		rp := r.Pattern
		if rp == "" {
			rp = "*"
		}
		if Match(rp, pattern) {
			return r.Action
		}
	}
	if rs.Default == "" {
		return Ask
	}
	return rs.Default
}

// Version is a stable fingerprint recorded with audit entries.
func (rs RuleSet) Version() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + string(rs.Default) + "|"))
	for _, r := range rs.Rules {
		_, _ = h.Write([]byte(r.Permission + "\x00" + r.Pattern + "\x00" + string(r.Action) + "|"))
	}
	return "permissions-" + strconv.FormatUint(h.Sum64(), 16)
}

var (
	globMu    sync.Mutex
	globCache = map[string]*regexp.Regexp{}
)

// Match reports whether s matches glob, where "*" matches any run of
// characters (slashes and spaces included) and "?" matches one character.
func Match(glob, s string) bool {
	if glob == "*" || glob == s {
		return true
	}
	globMu.Lock()
	re, ok := globCache[glob]
	if !ok {
		var sb strings.Builder
		sb.WriteString("^")
		for _, r := range glob {
			switch r {
			case '*':
				sb.WriteString(".*")
			case '?':
				sb.WriteString(".")
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		sb.WriteString("$")
		re = regexp.MustCompile(sb.String())
		globCache[glob] = re
	}
	globMu.Unlock()
	return re.MatchString(s)
}
