package console

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// Policy restricts which console tools may be called at all, before caller
// authorization is considered.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedTools   []string `yaml:"denied_tools"`
	AllowedTools  []string `yaml:"allowed_tools"`
}

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("console policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("console policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("console policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("console policy file not owned by current user")

// LoadPolicy reads the policy at path. The file is opened without following
// symlinks and its mode and owner are checked on the open descriptor, so the
// file that is validated is the file that is read.
func LoadPolicy(path string) (*Policy, error) {
	f, err := openPolicyFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionAllow
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// DenyAll is the policy used when a policy file exists but cannot be
// trusted.
func DenyAll() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionDeny}
}

// Validate validates the policy configuration
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}
	return nil
}

// IsToolAllowed reports whether tool may be invoked. Denied entries win over
// allowed entries, and anything unlisted gets the default action. A nil
// policy allows everything.
func (p *Policy) IsToolAllowed(tool string) (allowed bool, reason string) {
	if p == nil {
		return true, ""
	}
	if slices.Contains(p.DeniedTools, tool) {
		return false, fmt.Sprintf("tool '%s' is denied by policy", tool)
	}
	if slices.Contains(p.AllowedTools, tool) {
		return true, ""
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", tool)
}
