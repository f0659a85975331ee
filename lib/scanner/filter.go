// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
)

// A Matcher decides which manifest files take part in a sync.
type Matcher struct {
	pattern        string
	glob           glob.Glob
	re             *regexp.Regexp
	locales        map[string]struct{}
	includeNeutral bool
}

// NewMatcher compiles a filter. The pattern is a glob with "/" as the
// separator, or a regular expression when prefixed with "re:". An empty
// pattern matches every name.
func NewMatcher(f config.Filter) (*Matcher, error) {
	m := &Matcher{
		pattern:        f.Pattern,
		includeNeutral: f.IncludeNeutral,
	}

	switch {
	case f.Pattern == "":
	case strings.HasPrefix(f.Pattern, "re:"):
		re, err := regexp.Compile(f.Pattern[3:])
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", f.Pattern, err)
		}
		m.re = re
	default:
		g, err := glob.Compile(f.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", f.Pattern, err)
		}
		m.glob = g
	}

	for _, l := range f.Locales {
		if l = strings.TrimSpace(l); l != "" {
			if m.locales == nil {
				m.locales = make(map[string]struct{})
			}
			m.locales[strings.ToLower(l)] = struct{}{}
		}
	}
	return m, nil
}

// Match returns true if the file passes both the name pattern and the
// locale gate. Files without a language are included only when neutral
// files are requested; tagged files are included when any of their
// languages is requested, or when no locales are given at all.
func (m *Matcher) Match(f manifest.File) bool {
	return m.matchName(f.Name) && m.matchLanguages(f)
}

func (m *Matcher) matchName(name string) bool {
	switch {
	case m.glob != nil:
		return m.glob.Match(name)
	case m.re != nil:
		return m.re.MatchString(name)
	default:
		return true
	}
}

func (m *Matcher) matchLanguages(f manifest.File) bool {
	if f.IsNeutral() {
		return m.includeNeutral
	}
	if len(m.locales) == 0 {
		return true
	}
	for _, l := range f.Languages {
		if _, ok := m.locales[strings.ToLower(l)]; ok {
			return true
		}
	}
	return false
}

func (m *Matcher) String() string {
	locales := make([]string, 0, len(m.locales))
	for l := range m.locales {
		locales = append(locales, l)
	}
	return fmt.Sprintf("Matcher{pattern=%q, locales=%v, neutral=%v}", m.pattern, locales, m.includeNeutral)
}
