package domain

import "maps"

// EngineParameters are the user-configurable parameters of the analysis engine
// container. A copy of the parameters used to create the container is kept as
// the applied snapshot.
type EngineParameters struct {
	BaseBranch         string            `json:"base_branch" toml:"base_branch"`
	IncludePathPattern string            `json:"include_path_pattern" toml:"include_path_pattern"`
	ExcludePathPattern string            `json:"exclude_path_pattern" toml:"exclude_path_pattern"`
	AdditionalMounts   map[string]string `json:"additional_mounts" toml:"additional_mounts"`
}

// Equal compares by value. A nil and an empty mount map are equal.
func (p EngineParameters) Equal(o EngineParameters) bool {
	return p.BaseBranch == o.BaseBranch &&
		p.IncludePathPattern == o.IncludePathPattern &&
		p.ExcludePathPattern == o.ExcludePathPattern &&
		maps.Equal(p.AdditionalMounts, o.AdditionalMounts)
}

// Clone returns a deep copy so snapshots never alias user parameters.
func (p EngineParameters) Clone() EngineParameters {
	c := p
	if p.AdditionalMounts != nil {
		c.AdditionalMounts = maps.Clone(p.AdditionalMounts)
	}
	return c
}

// UIParameters are the user-configurable parameters of the report UI container.
// Port 0 means an ephemeral port is allocated when the container is created.
type UIParameters struct {
	Port int `json:"port" toml:"port"`
}

func (p UIParameters) Equal(o UIParameters) bool { return p == o }

// Settings is the persisted, workspace-scoped state. Applied snapshots are nil
// until a container has been created by the supervisor.
type Settings struct {
	UserParameters      EngineParameters  `json:"user_parameters" toml:"user_parameters"`
	AppliedParameters   *EngineParameters `json:"applied_parameters" toml:"applied_parameters,omitempty"`
	UIUserParameters    UIParameters      `json:"ui_user_parameters" toml:"ui_user_parameters"`
	UIAppliedParameters *UIParameters     `json:"ui_applied_parameters" toml:"ui_applied_parameters,omitempty"`
}

// EngineCurrent reports whether the applied engine snapshot equals the user parameters.
func (s Settings) EngineCurrent() bool {
	return s.AppliedParameters != nil && s.AppliedParameters.Equal(s.UserParameters)
}

// UICurrent reports whether the applied UI snapshot equals the UI user parameters.
func (s Settings) UICurrent() bool {
	return s.UIAppliedParameters != nil && s.UIAppliedParameters.Equal(s.UIUserParameters)
}
