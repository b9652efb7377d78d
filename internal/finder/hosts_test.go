package finder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostSet(t *testing.T) {
	t.Parallel()

	require.Nil(t, newHostSet(nil))
	require.Nil(t, newHostSet([]string{" ", "*."}))

	var empty *hostSet
	require.False(t, empty.matchHost("city.example"))
	require.False(t, empty.matchURL("https://city.example/a.pdf"))

	set := newHostSet([]string{"Archive.City.example", "*.regional.example", ".gov.example", "*.regional.example"})
	require.Len(t, set.suffixes, 2)

	cases := []struct {
		host string
		want bool
	}{
		{"archive.city.example", true},
		{"sub.archive.city.example", false},
		{"regional.example", true},
		{"maps.regional.example", true},
		{"a.b.gov.example", true},
		{"notregional.example", false},
		{"city.example", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, set.matchHost(tc.host), tc.host)
	}
	require.True(t, set.matchURL("https://maps.regional.example:8443/x"))
	require.False(t, set.matchURL("://bad"))
}

func TestPatternDenyHosts(t *testing.T) {
	t.Parallel()

	p, err := NewPattern(map[string]string{
		OptSameHost:  "false",
		OptDenyHosts: "other.example",
	})
	require.NoError(t, err)

	docs, follow, err := p.FindDocuments(context.Background(), []byte(bylawPage), "https://city.example/bylaws/")
	require.NoError(t, err)
	for _, d := range docs {
		require.NotContains(t, d.URL, "other.example")
	}
	require.Len(t, docs, 2)
	require.Equal(t, []string{
		"https://city.example/bylaws/archive",
		"https://city.example/council/minutes",
	}, follow)
}
