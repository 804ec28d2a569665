// Package filter decides, item by item, whether a resource may cross
// the node boundary for a group and resource category.
package filter

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"cellarsync/configstore"
)

// Direction tells whether state flows into the local node from the
// cluster or out of it.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

const (
	whitelist = "whitelist"
	blacklist = "blacklist"
)

// Filter gates every single item before it is pushed or pulled.
type Filter interface {
	Allowed(ctx context.Context, group string, category string, id string, dir Direction) bool
}

// Func adapts a plain predicate to a Filter.
type Func func(group string, category string, id string, dir Direction) bool

func (f Func) Allowed(ctx context.Context, group string, category string, id string, dir Direction) bool {
	return f(group, category, id, dir)
}

// AllowAll lets everything through.
var AllowAll Filter = Func(func(string, string, string, Direction) bool { return true })

// Rules is the set of wildcard patterns that apply to one group,
// category and direction.
type Rules struct {
	Whitelist []string
	Blacklist []string
}

// Allowed reports whether id passes the rules. With no whitelist every
// id is accepted; with one, id must match at least one entry. Any
// matching blacklist entry then rejects it.
func (r Rules) Allowed(id string) bool {
	if len(r.Whitelist) > 0 {
		matched := false
		for _, pattern := range r.Whitelist {
			if Match(pattern, id) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, pattern := range r.Blacklist {
		if Match(pattern, id) {
			return false
		}
	}
	return true
}

// PropertyKey is the configuration key of a list, e.g.
// "default.urls.whitelist.outbound".
func PropertyKey(group string, category string, list string, dir Direction) string {
	return group + "." + category + "." + list + "." + dir.String()
}

// RulesFor extracts the rules of a group, category and direction from
// a configuration. Lists are comma separated.
func RulesFor(props map[string]string, group string, category string, dir Direction) Rules {
	return Rules{
		Whitelist: splitList(props[PropertyKey(group, category, whitelist, dir)]),
		Blacklist: splitList(props[PropertyKey(group, category, blacklist, dir)]),
	}
}

func splitList(value string) []string {
	var entries []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Compiled patterns of rules that are no longer configured age out.
var patterns = gocache.New(time.Hour, 10*time.Minute)

// Match reports whether id matches a wildcard pattern. "*" matches any
// run of characters, everything else is literal and the whole id must
// match.
func Match(pattern string, id string) bool {
	if cached, ok := patterns.Get(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(id)
	}

	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	patterns.SetDefault(pattern, re)
	return re.MatchString(id)
}

// ConfigFilter reads the rules from the groups configuration on every
// call, so rule changes apply to the next item.
type ConfigFilter struct {
	store configstore.Store
	log   *zap.Logger
}

func NewConfigFilter(store configstore.Store, log *zap.Logger) *ConfigFilter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConfigFilter{store: store, log: log.Named("filter")}
}

func (f *ConfigFilter) Allowed(ctx context.Context, group string, category string, id string, dir Direction) bool {
	props, err := f.store.Configuration(ctx, configstore.GroupsPID)
	if errors.Is(err, configstore.ErrNotFound) {
		return true
	}
	if err != nil {
		// Without rules there is nothing to deny.
		f.log.Error("failed to read filter rules",
			zap.String("group", group),
			zap.String("category", category),
			zap.Error(err),
		)
		return true
	}
	return RulesFor(props, group, category, dir).Allowed(id)
}
