package types

// InboxProject is the reserved project that receives unrouted work.
const InboxProject = "_inbox"

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Owner names the team accountable for a project. The lead acts as the
// orchestrator and may operate on any task in the project.
type Owner struct {
	Team string `yaml:"team,omitempty" json:"team,omitempty"`
	Lead string `yaml:"lead,omitempty" json:"lead,omitempty"`
}

// Participant is an agent enrolled in a project.
type Participant struct {
	Agent string `yaml:"agent" json:"agent"`
	Role  string `yaml:"role,omitempty" json:"role,omitempty"`
	Team  string `yaml:"team,omitempty" json:"team,omitempty"`
}

// Intake sets defaults applied to tasks created without routing.
type Intake struct {
	DefaultTeam     string   `yaml:"defaultTeam,omitempty" json:"defaultTeam,omitempty"`
	DefaultAgent    string   `yaml:"defaultAgent,omitempty" json:"defaultAgent,omitempty"`
	DefaultPriority Priority `yaml:"defaultPriority,omitempty" json:"defaultPriority,omitempty"`
}

// Project is the parsed project.yaml manifest.
type Project struct {
	ID           string            `yaml:"id" json:"id"`
	Title        string            `yaml:"title,omitempty" json:"title,omitempty"`
	Type         string            `yaml:"type,omitempty" json:"type,omitempty"`
	Status       ProjectStatus     `yaml:"status,omitempty" json:"status,omitempty"`
	Owner        Owner             `yaml:"owner,omitempty" json:"owner,omitempty"`
	Participants []Participant     `yaml:"participants,omitempty" json:"participants,omitempty"`
	MemoryTiers  map[string]string `yaml:"memoryTiers,omitempty" json:"memoryTiers,omitempty"`
	Intake       Intake            `yaml:"intake,omitempty" json:"intake,omitempty"`
	Gates        []Gate            `yaml:"gates,omitempty" json:"gates,omitempty"`

	Extra map[string]any `yaml:",inline" json:"-"`
}

// Archived reports whether the project is closed to new work.
func (p *Project) Archived() bool {
	return p.Status == ProjectArchived
}

// FindGate returns the named gate declaration, nil when undeclared.
func (p *Project) FindGate(name string) *Gate {
	for i := range p.Gates {
		if p.Gates[i].Name == name {
			return &p.Gates[i]
		}
	}
	return nil
}

// ResolveAgent resolves routing to a concrete agent id: an explicit agent
// wins, then the first participant matching team and role, then the intake
// default. Empty string means unresolvable.
func (p *Project) ResolveAgent(r Routing) string {
	if r.Agent != "" {
		return r.Agent
	}
	for _, part := range p.Participants {
		if r.Team != "" && part.Team != r.Team {
			continue
		}
		if r.Role != "" && part.Role != r.Role {
			continue
		}
		if r.Team == "" && r.Role == "" {
			continue
		}
		return part.Agent
	}
	return p.Intake.DefaultAgent
}
