package config

import (
	"fmt"
	"sort"
)

// LimitProfile is a named set of limiter quotas. Deployments pick one
// with the "profile" key instead of spelling every quota out; explicit
// [limits] entries in the file still win over the profile.
type LimitProfile struct {
	ID          string
	Description string
	Limits      LimitsConfig
}

// LimitProfiles maps profile IDs to their preset quotas
var LimitProfiles = map[string]LimitProfile{
	"standard": {
		ID:          "standard",
		Description: "Default quotas for a mixed analyst workload",
		Limits: LimitsConfig{
			Roles: map[string]LimitEntry{
				"admin":   {Requests: 120, WindowSecs: 60},
				"analyst": {Requests: 60, WindowSecs: 60},
				"viewer":  {Requests: 30, WindowSecs: 60},
			},
			Commands: map[string]LimitEntry{
				"analyze": {Requests: 10, WindowSecs: 60},
				"predict": {Requests: 6, WindowSecs: 60},
				"stress":  {Requests: 6, WindowSecs: 60},
				"export":  {Requests: 5, WindowSecs: 60},
				"quote":   {Requests: 30, WindowSecs: 60},
			},
			DefaultRole:    LimitEntry{Requests: 30, WindowSecs: 60},
			DefaultCommand: LimitEntry{Requests: 20, WindowSecs: 60},
			SweepSecs:      60,
		},
	},
	"strict": {
		ID:          "strict",
		Description: "Half quotas and a fast sweep for exposed deployments",
		Limits: LimitsConfig{
			Roles: map[string]LimitEntry{
				"admin":   {Requests: 60, WindowSecs: 60},
				"analyst": {Requests: 30, WindowSecs: 60},
				"viewer":  {Requests: 10, WindowSecs: 60},
			},
			Commands: map[string]LimitEntry{
				"analyze": {Requests: 5, WindowSecs: 60},
				"predict": {Requests: 3, WindowSecs: 60},
				"stress":  {Requests: 3, WindowSecs: 60},
				"export":  {Requests: 2, WindowSecs: 60},
				"quote":   {Requests: 15, WindowSecs: 60},
			},
			DefaultRole:    LimitEntry{Requests: 15, WindowSecs: 60},
			DefaultCommand: LimitEntry{Requests: 10, WindowSecs: 60},
			SweepSecs:      30,
		},
	},
	"relaxed": {
		ID:          "relaxed",
		Description: "Double quotas for trusted internal deployments",
		Limits: LimitsConfig{
			Roles: map[string]LimitEntry{
				"admin":   {Requests: 240, WindowSecs: 60},
				"analyst": {Requests: 120, WindowSecs: 60},
				"viewer":  {Requests: 60, WindowSecs: 60},
			},
			Commands: map[string]LimitEntry{
				"analyze": {Requests: 20, WindowSecs: 60},
				"predict": {Requests: 12, WindowSecs: 60},
				"stress":  {Requests: 12, WindowSecs: 60},
				"export":  {Requests: 10, WindowSecs: 60},
				"quote":   {Requests: 60, WindowSecs: 60},
			},
			DefaultRole:    LimitEntry{Requests: 60, WindowSecs: 60},
			DefaultCommand: LimitEntry{Requests: 40, WindowSecs: 60},
			SweepSecs:      120,
		},
	},
}

// GetLimitProfile returns a preset quota profile by ID
func GetLimitProfile(id string) (LimitProfile, bool) {
	p, ok := LimitProfiles[id]
	return p, ok
}

// ProfileIDs returns the known profile IDs in sorted order
func ProfileIDs() []string {
	ids := make([]string, 0, len(LimitProfiles))
	for id := range LimitProfiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyProfile replaces the limits with the named profile's quotas
func (c *Config) ApplyProfile(id string) error {
	p, ok := GetLimitProfile(id)
	if !ok {
		return fmt.Errorf("unknown limit profile %q (known: %v)", id, ProfileIDs())
	}
	c.Limits = cloneLimits(p.Limits)
	c.Profile = id
	return nil
}

// cloneLimits copies the quota maps so callers cannot mutate the
// package-level profile table through a loaded config.
func cloneLimits(l LimitsConfig) LimitsConfig {
	out := l
	out.Roles = make(map[string]LimitEntry, len(l.Roles))
	for k, v := range l.Roles {
		out.Roles[k] = v
	}
	out.Commands = make(map[string]LimitEntry, len(l.Commands))
	for k, v := range l.Commands {
		out.Commands[k] = v
	}
	return out
}
