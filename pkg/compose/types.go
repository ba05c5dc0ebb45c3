package compose

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Condition names the readiness a prerequisite must reach before a
// dependent service may start.
type Condition string

const (
	// ConditionStarted is satisfied once the prerequisite's process is running.
	ConditionStarted Condition = "service_started"
	// ConditionHealthy is satisfied once the prerequisite's health check passes.
	ConditionHealthy Condition = "service_healthy"
)

// Requirement is one depends_on entry, in declaration order.
type Requirement struct {
	Service   string
	Condition Condition
}

// DependsOn accepts both compose forms:
//
//	depends_on: [db, store]                  # short: service_started
//	depends_on:
//	  db: {condition: service_healthy}       # long: explicit condition
type DependsOn []Requirement

func (d *DependsOn) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return errors.Wrap(err, "decode depends_on list")
		}
		for _, n := range names {
			*d = append(*d, Requirement{Service: n, Condition: ConditionStarted})
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			var body struct {
				Condition Condition `yaml:"condition"`
			}
			if err := node.Content[i+1].Decode(&body); err != nil {
				return errors.Wrapf(err, "decode depends_on entry %q", name)
			}
			if body.Condition == "" {
				body.Condition = ConditionStarted
			}
			if body.Condition != ConditionStarted && body.Condition != ConditionHealthy {
				return errors.Errorf("depends_on %q: unknown condition %q", name, body.Condition)
			}
			*d = append(*d, Requirement{Service: name, Condition: body.Condition})
		}
		return nil
	default:
		return errors.New("depends_on must be a list or a map")
	}
}

// Duration parses compose-style duration strings ("10s", "1m30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Wrap(err, "decode duration")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Command accepts both the string and list forms of a compose command.
type Command []string

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return errors.Wrap(err, "decode command")
		}
		*c = Command{"sh", "-c", s}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return errors.Wrap(err, "decode command list")
	}
	*c = Command(list)
	return nil
}

// Environment accepts both the map form and the KEY=VALUE list form.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return errors.Wrap(err, "decode environment map")
		}
		*e = m
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return errors.Wrap(err, "decode environment list")
	}
	out := map[string]string{}
	for _, kv := range list {
		k, v := splitKV(kv)
		out[k] = v
	}
	*e = out
	return nil
}

func splitKV(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// Test is a probe descriptor: ["CMD", ...], ["CMD-SHELL", "..."], or a
// single "tcp://host:port" / "http(s)://..." target. The scalar form is
// shorthand for CMD-SHELL.
type Test []string

func (t *Test) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return errors.Wrap(err, "decode healthcheck test")
		}
		*t = Test{"CMD-SHELL", s}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return errors.Wrap(err, "decode healthcheck test list")
	}
	*t = Test(list)
	return nil
}

// HealthCheck is the compose healthcheck block.
type HealthCheck struct {
	Test        Test     `yaml:"test"`
	Interval    Duration `yaml:"interval,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	Retries     int      `yaml:"retries,omitempty"`
	StartPeriod Duration `yaml:"start_period,omitempty"`
}

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultRetries  = 3
)

// Normalized returns a copy with compose defaults filled in.
func (h HealthCheck) Normalized() HealthCheck {
	if h.Interval <= 0 {
		h.Interval = Duration(DefaultInterval)
	}
	if h.Timeout <= 0 {
		h.Timeout = Duration(DefaultTimeout)
	}
	if h.Retries <= 0 {
		h.Retries = DefaultRetries
	}
	return h
}

// Service is one declared unit of deployment. Image, ports, volumes and
// networks are carried through to the launcher unexamined; the orchestrator
// itself only reads the name, the health check, and depends_on.
type Service struct {
	Image         string       `yaml:"image,omitempty"`
	ContainerName string       `yaml:"container_name,omitempty"`
	Command       Command      `yaml:"command,omitempty"`
	WorkDir       string       `yaml:"working_dir,omitempty"`
	Environment   Environment  `yaml:"environment,omitempty"`
	Ports         []string     `yaml:"ports,omitempty"`
	Volumes       []string     `yaml:"volumes,omitempty"`
	Networks      []string     `yaml:"networks,omitempty"`
	DependsOn     DependsOn    `yaml:"depends_on,omitempty"`
	HealthCheck   *HealthCheck `yaml:"healthcheck,omitempty"`
	StartTimeout  Duration     `yaml:"start_timeout,omitempty"`
}

type Network struct {
	Name     string `yaml:"name,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
	External bool   `yaml:"external,omitempty"`
}

type Volume struct {
	Name     string `yaml:"name,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
	External bool   `yaml:"external,omitempty"`
}
