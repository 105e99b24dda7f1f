package gemini

import (
	"fmt"
	"strings"

	"github.com/flitsinc/go-convo/internal/prompt"
)

// Agent is one member of a team. Tools name entries in the Registry.
// SubAgents name other team members this agent may transfer to.
type Agent struct {
	Name        string
	Description string
	Instruction string
	Model       string
	Tools       []string
	SubAgents   []string
}

// Team is a tree of agents rooted at the coordinator that receives every
// turn first.
type Team struct {
	root   string
	agents map[string]Agent
	parent map[string]string
}

func NewTeam(root string, agents ...Agent) (*Team, error) {
	t := &Team{root: root, agents: map[string]Agent{}, parent: map[string]string{}}
	for _, a := range agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("agent name is required")
		}
		if _, dup := t.agents[name]; dup {
			return nil, fmt.Errorf("agent %s defined twice", name)
		}
		a.Name = name
		t.agents[name] = a
	}
	if _, ok := t.agents[root]; !ok {
		return nil, fmt.Errorf("root agent %q is not defined", root)
	}
	for _, a := range t.agents {
		for _, sub := range a.SubAgents {
			if _, ok := t.agents[sub]; !ok {
				return nil, fmt.Errorf("agent %s lists unknown sub-agent %s", a.Name, sub)
			}
			if sub == root {
				return nil, fmt.Errorf("root agent %s cannot be a sub-agent", root)
			}
			if prev, taken := t.parent[sub]; taken {
				return nil, fmt.Errorf("agent %s has two parents: %s and %s", sub, prev, a.Name)
			}
			t.parent[sub] = a.Name
		}
	}
	return t, nil
}

func (t *Team) Root() Agent { return t.agents[t.root] }

func (t *Team) Get(name string) (Agent, bool) {
	a, ok := t.agents[name]
	return a, ok
}

// Targets returns the agents name may transfer to: its sub-agents, then
// its parent.
func (t *Team) Targets(name string) []string {
	a := t.agents[name]
	out := append([]string(nil), a.SubAgents...)
	if p, ok := t.parent[name]; ok {
		out = append(out, p)
	}
	return out
}

func (t *Team) canTransfer(from, to string) bool {
	for _, target := range t.Targets(from) {
		if target == to {
			return true
		}
	}
	return false
}

func (t *Team) roster(name string) []prompt.AgentRoster {
	targets := t.Targets(name)
	out := make([]prompt.AgentRoster, 0, len(targets))
	for _, target := range targets {
		out = append(out, prompt.AgentRoster{Name: target, Description: t.agents[target].Description})
	}
	return out
}
