package engine

import (
	"fmt"
	"slices"
	"strings"
)

// SilenceMode controls how the silent agent list is applied.
type SilenceMode string

const (
	// SilenceAlways drops every terminal text authored by a listed agent.
	SilenceAlways SilenceMode = "always"
	// SilenceNever surfaces terminal text from every agent.
	SilenceNever SilenceMode = "never"
)

func ParseSilenceMode(raw string) (SilenceMode, error) {
	switch SilenceMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SilenceAlways:
		return SilenceAlways, nil
	case SilenceNever:
		return SilenceNever, nil
	default:
		return "", fmt.Errorf("unknown silence mode %q", raw)
	}
}

// SilencePolicy names the sub-agents whose final text never reaches the
// transcript. Their turns still terminate normally.
type SilencePolicy struct {
	mode   SilenceMode
	agents map[string]struct{}
}

func NewSilencePolicy(mode SilenceMode, agents []string) SilencePolicy {
	set := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		a = strings.TrimSpace(a)
		if a != "" {
			set[a] = struct{}{}
		}
	}
	if mode == "" {
		mode = SilenceAlways
	}
	return SilencePolicy{mode: mode, agents: set}
}

func (p SilencePolicy) Silences(author string) bool {
	if p.mode == SilenceNever {
		return false
	}
	_, ok := p.agents[author]
	return ok
}

func (p SilencePolicy) Agents() []string {
	out := make([]string, 0, len(p.agents))
	for a := range p.agents {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
