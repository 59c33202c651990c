package policy

// Summary describes a policy for display. Only the fields relevant to the
// algorithm are set.
type Summary struct {
	Algorithm   string   `json:"algorithm" yaml:"algorithm"`
	Name        string   `json:"name" yaml:"name"`
	Shape       Shape    `json:"shape" yaml:"shape"`
	Parameters  int      `json:"parameters" yaml:"parameters"`
	States      int      `json:"states,omitempty" yaml:"states,omitempty"`
	Actions     int      `json:"actions,omitempty" yaml:"actions,omitempty"`
	Alpha       *float32 `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	Gamma       *float32 `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	Epsilon     *float32 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
	Layers      []int    `json:"layers,omitempty" yaml:"layers,omitempty"`
	Activations []string `json:"activations,omitempty" yaml:"activations,omitempty"`
}

func Summarize(p Policy) Summary {
	s := Summary{
		Algorithm: p.Algorithm().String(),
		Name:      p.Name(),
		Shape:     p.Shape(),
	}
	switch v := p.(type) {
	case *TabularLookup:
		alpha, gamma, eps := v.alpha, v.gamma, v.epsilon
		s.States, s.Actions = v.numStates, v.numActions
		s.Parameters = len(v.q)
		s.Alpha, s.Gamma, s.Epsilon = &alpha, &gamma, &eps
	case *LinearMap:
		alpha := v.alpha
		s.Parameters = len(v.weights) + len(v.bias)
		s.Alpha = &alpha
	case *Network:
		s.Parameters = v.arch.ParameterCount()
		s.Layers = append([]int(nil), v.arch.Layers...)
		for _, a := range v.arch.Activations {
			s.Activations = append(s.Activations, a.String())
		}
	}
	return s
}
