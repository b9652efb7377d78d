package finder

import (
	"net/url"
	"slices"
	"strings"
)

// hostSet matches hostnames against exact entries and "*.suffix" or
// ".suffix" wildcards. A nil hostSet matches nothing.
type hostSet struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostSet(patterns []string) *hostSet {
	set := &hostSet{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		suffix, wildcard := strings.CutPrefix(value, "*.")
		if !wildcard {
			suffix, wildcard = strings.CutPrefix(value, ".")
		}
		switch {
		case value == "":
		case wildcard:
			if suffix != "" && !slices.Contains(set.suffixes, suffix) {
				set.suffixes = append(set.suffixes, suffix)
			}
		default:
			set.exact[value] = struct{}{}
		}
	}
	if len(set.exact) == 0 && len(set.suffixes) == 0 {
		return nil
	}
	return set
}

func (s *hostSet) matchHost(host string) bool {
	if s == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// matchURL reports whether the host of an absolute URL is in the set.
func (s *hostSet) matchURL(raw string) bool {
	if s == nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return s.matchHost(u.Hostname())
}
