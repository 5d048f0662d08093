package retry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/expression"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"gopkg.in/yaml.v3"
)

// BackoffKind selects how the delay grows between attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffFibonacci   BackoffKind = "fibonacci"
)

// Backoff is a backoff strategy. Base applies to exponential backoff and
// Increment to linear backoff.
type Backoff struct {
	Kind      BackoffKind `json:"kind"`
	Base      float64     `json:"base,omitempty"`
	Increment Duration    `json:"increment,omitempty"`
}

// UnmarshalYAML accepts either a bare strategy name or a mapping:
//
//	backoff: fibonacci
//	backoff: {type: exponential, base: 3}
//	backoff: {linear: {increment: 5s}}
func (b *Backoff) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*b = Backoff{Kind: BackoffKind(strings.ToLower(node.Value))}
		return nil
	}
	var flat struct {
		Type      string   `yaml:"type"`
		Base      float64  `yaml:"base"`
		Increment Duration `yaml:"increment"`
	}
	if err := node.Decode(&flat); err != nil {
		return err
	}
	if flat.Type != "" {
		*b = Backoff{Kind: BackoffKind(strings.ToLower(flat.Type)), Base: flat.Base, Increment: flat.Increment}
		return nil
	}
	var nested map[string]struct {
		Base      float64  `yaml:"base"`
		Increment Duration `yaml:"increment"`
	}
	if err := node.Decode(&nested); err != nil {
		return err
	}
	if len(nested) != 1 {
		return fmt.Errorf("backoff must name exactly one strategy")
	}
	for kind, params := range nested {
		*b = Backoff{Kind: BackoffKind(strings.ToLower(kind)), Base: params.Base, Increment: params.Increment}
	}
	return nil
}

// Policy configures retries for one command.
type Policy struct {
	MaxAttempts  int      `yaml:"attempts" json:"attempts"`
	Backoff      Backoff  `yaml:"backoff" json:"backoff"`
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay"`
	Jitter       bool     `yaml:"jitter" json:"jitter"`
	JitterFactor float64  `yaml:"jitter_factor" json:"jitter_factor"`
	RetryBudget  Duration `yaml:"retry_budget" json:"retry_budget,omitempty"`
	// RetryOn restricts retries to errors matching one of these matchers:
	// network, timeout, server_error, rate_limit, or a regular expression.
	RetryOn []string `yaml:"retry_on" json:"retry_on,omitempty"`
	// Condition is a filter expression evaluated against
	// {attempt, error, exit_code}; a false result stops retrying.
	Condition string `yaml:"condition" json:"condition,omitempty"`
}

// DefaultPolicy returns three exponential attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      Backoff{Kind: BackoffExponential, Base: 2},
		InitialDelay: Duration(time.Second),
		MaxDelay:     Duration(30 * time.Second),
		JitterFactor: 0.1,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff.Kind == "" {
		p.Backoff.Kind = d.Backoff.Kind
	}
	if p.Backoff.Kind == BackoffExponential && p.Backoff.Base <= 0 {
		p.Backoff.Base = d.Backoff.Base
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.JitterFactor <= 0 {
		p.JitterFactor = d.JitterFactor
	}
	return p
}

// Validate checks the policy for configuration errors.
func (p Policy) Validate() error {
	switch p.Backoff.Kind {
	case "", BackoffFixed, BackoffLinear, BackoffExponential, BackoffFibonacci:
	default:
		return errdefs.Config("unknown backoff strategy %q", p.Backoff.Kind)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return errdefs.Config("jitter_factor must be between 0 and 1, got %v", p.JitterFactor)
	}
	for _, m := range p.RetryOn {
		if _, err := newMatcher(m); err != nil {
			return err
		}
	}
	if p.Condition != "" {
		if _, err := expression.Compile(p.Condition); err != nil {
			return err
		}
	}
	return nil
}

type matcher func(msg string) bool

func containsAny(words ...string) matcher {
	return func(msg string) bool {
		lower := strings.ToLower(msg)
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
}

var namedMatchers = map[string]matcher{
	"network":      containsAny("network", "connection", "refused", "unreachable"),
	"timeout":      containsAny("timeout", "timed out"),
	"server_error": containsAny("500", "502", "503", "504", "server error", "overloaded"),
	"rate_limit":   containsAny("rate limit", "429", "too many requests"),
}

func newMatcher(spec string) (matcher, error) {
	if m, ok := namedMatchers[strings.ToLower(spec)]; ok {
		return m, nil
	}
	re, err := regexp.Compile(spec)
	if err != nil {
		return nil, errdefs.WrapConfig(err, "invalid retry_on pattern %q", spec)
	}
	return re.MatchString, nil
}

// Duration is a time.Duration that decodes from Go duration strings
// ("1.5s", "2m") or integer seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(text string) (Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(text, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", text)
	}
	return Duration(v), nil
}

// ParseDuration parses a Go duration string or a number of seconds.
func ParseDuration(text string) (Duration, error) {
	return parseDuration(text)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := xjson.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return xjson.Marshal(d.String())
}
