package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"cellarsync/configstore"
)

func TestMatch(t *testing.T) {
	assert.True(t, Match("*", "anything"))
	assert.True(t, Match("http://repo/*", "http://repo/releases"))
	assert.False(t, Match("http://repo/*", "https://repo/releases"))
	assert.True(t, Match("*.xml", "file:/tmp/repository.xml"))
	assert.False(t, Match("repo.xml", "repoXxml"), "dots are literal")
	assert.False(t, Match("repo", "my-repo"), "match is anchored")
}

func TestRules_NoListsAllowsEverything(t *testing.T) {
	assert.True(t, Rules{}.Allowed("http://anything"))
}

func TestRules_Whitelist(t *testing.T) {
	r := Rules{Whitelist: []string{"http://good/*", "file:*"}}
	assert.True(t, r.Allowed("http://good/repo"))
	assert.True(t, r.Allowed("file:/tmp/repo.xml"))
	assert.False(t, r.Allowed("http://bad/repo"))
}

func TestRules_BlacklistWinsOverWhitelist(t *testing.T) {
	r := Rules{
		Whitelist: []string{"*"},
		Blacklist: []string{"*secret*"},
	}
	assert.True(t, r.Allowed("http://repo/public"))
	assert.False(t, r.Allowed("http://repo/secret/stuff"))
}

func TestRulesFor(t *testing.T) {
	props := map[string]string{
		"default.urls.whitelist.outbound": "http://a/*, http://b/*",
		"default.urls.blacklist.inbound":  "*",
		"other.urls.blacklist.outbound":   "*",
	}

	out := RulesFor(props, "default", "urls", Outbound)
	assert.Equal(t, []string{"http://a/*", "http://b/*"}, out.Whitelist)
	assert.Empty(t, out.Blacklist)

	in := RulesFor(props, "default", "urls", Inbound)
	assert.Empty(t, in.Whitelist)
	assert.Equal(t, []string{"*"}, in.Blacklist)
}

func TestConfigFilter_PerDirection(t *testing.T) {
	ctx := context.Background()
	store := configstore.NewStatic(map[string]map[string]string{
		configstore.GroupsPID: {
			"default.urls.blacklist.outbound": "http://private/*",
			"default.urls.blacklist.inbound":  "http://untrusted/*",
		},
	})
	f := NewConfigFilter(store, nil)

	assert.False(t, f.Allowed(ctx, "default", "urls", "http://private/repo", Outbound))
	assert.True(t, f.Allowed(ctx, "default", "urls", "http://private/repo", Inbound))
	assert.False(t, f.Allowed(ctx, "default", "urls", "http://untrusted/repo", Inbound))
	assert.True(t, f.Allowed(ctx, "default", "config", "http://private/repo", Outbound), "rules are per category")
	assert.True(t, f.Allowed(ctx, "other", "urls", "http://private/repo", Outbound), "rules are per group")
}

func TestConfigFilter_MissingConfigurationAllows(t *testing.T) {
	f := NewConfigFilter(configstore.NewStatic(nil), nil)
	assert.True(t, f.Allowed(context.Background(), "default", "urls", "x", Outbound))
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "inbound", Inbound.String())
	assert.Equal(t, "outbound", Outbound.String())
}

func TestMatch_CachedPatternsExpire(t *testing.T) {
	assert.True(t, Match("http://expiring/*", "http://expiring/r1"))

	_, expiration, ok := patterns.GetWithExpiration("http://expiring/*")
	assert.True(t, ok)
	assert.False(t, expiration.IsZero(), "expected compiled patterns to age out")
}
