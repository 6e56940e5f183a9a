/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package job

import (
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

// RenameRule rewrites remote names.  Each '*' of the pattern captures text
// that the next '%*' of the replacement reinserts; '?' matches one
// character.
type RenameRule struct {
	Pattern     string
	Replacement string
	re          *regexp.Regexp
}

// ParseRenameRule parses "<pattern> <replacement>".
func ParseRenameRule(s string) (RenameRule, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return RenameRule{}, errors.Errorf("rename rule %q needs a pattern and a replacement", s)
	}
	var expr strings.Builder
	expr.WriteString("^")
	for _, c := range fields[0] {
		switch c {
		case '*':
			expr.WriteString("(.*)")
		case '?':
			expr.WriteString(".")
		default:
			expr.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	expr.WriteString("$")
	re, err := regexp.Compile(expr.String())
	if err != nil {
		return RenameRule{}, errors.Wrapf(err, "invalid rename pattern %q", fields[0])
	}
	return RenameRule{Pattern: fields[0], Replacement: fields[1], re: re}, nil
}

// Apply returns the rewritten name and whether the rule matched.
func (r RenameRule) Apply(name string) (string, bool) {
	m := r.re.FindStringSubmatch(name)
	if m == nil {
		return name, false
	}
	captures := m[1:]
	var out strings.Builder
	for i := 0; i < len(r.Replacement); i++ {
		c := r.Replacement[i]
		if c != '%' || i+1 == len(r.Replacement) {
			out.WriteByte(c)
			continue
		}
		switch r.Replacement[i+1] {
		case '*':
			if len(captures) > 0 {
				out.WriteString(captures[0])
				captures = captures[1:]
			}
			i++
		case '%':
			out.WriteByte('%')
			i++
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), true
}

// RenameRules is an ordered rule list; the first match wins.
type RenameRules []RenameRule

func ParseRenameRules(lines []string) (RenameRules, error) {
	rules := make(RenameRules, 0, len(lines))
	for _, line := range lines {
		rule, err := ParseRenameRule(line)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (rs RenameRules) Apply(name string) string {
	for _, r := range rs {
		if out, ok := r.Apply(name); ok {
			return out
		}
	}
	return name
}
