package prompt

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Standard block priorities. Higher renders first.
const (
	PriorityInstruction = 100
	PriorityAgents      = 50
	PriorityContext     = 10
)

type Block struct {
	ID       string
	Priority int
	Content  string
}

type Builder struct {
	blocks []Block
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Add(block Block) {
	if strings.TrimSpace(block.Content) == "" {
		return
	}
	b.blocks = append(b.blocks, block)
}

func (b *Builder) Build() string {
	if len(b.blocks) == 0 {
		return ""
	}
	blocks := make([]Block, len(b.blocks))
	copy(blocks, b.blocks)
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Priority == blocks[j].Priority {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].Priority > blocks[j].Priority
	})

	var sb strings.Builder
	for i, block := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block.Content)
	}
	return sb.String()
}

// AgentRoster lists the agents control may be transferred to.
type AgentRoster struct {
	Name        string
	Description string
}

func AgentsBlock(targets []AgentRoster) Block {
	if len(targets) == 0 {
		return Block{}
	}
	var sb strings.Builder
	sb.WriteString("You can transfer the conversation to these agents with transfer_to_agent:")
	for _, t := range targets {
		fmt.Fprintf(&sb, "\n- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, ": %s", t.Description)
		}
	}
	return Block{ID: "agents", Priority: PriorityAgents, Content: sb.String()}
}

// ContextBlock renders previously captured tool results, grouped by source
// agent and tool, as YAML. An empty context renders nothing.
func ContextBlock(captured map[string]any) (Block, error) {
	if len(captured) == 0 {
		return Block{}, nil
	}
	out, err := yaml.Marshal(captured)
	if err != nil {
		return Block{}, fmt.Errorf("render context: %w", err)
	}
	content := "Data gathered earlier in this conversation, by agent and tool:\n" + strings.TrimRight(string(out), "\n")
	return Block{ID: "context", Priority: PriorityContext, Content: content}, nil
}
