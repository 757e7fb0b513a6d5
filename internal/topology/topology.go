// Package topology reads the cluster testbed: which hosts play which role and
// the password each host is reached with.
//
// A testbed is the fabric testbed.py the coordinator's setup_all imports:
//
//	from fabric.api import env
//
//	host1 = 'root@192.168.50.10'
//	host2 = 'root@192.168.50.20'
//
//	env.roledefs = {
//	    'all': [host1, host2],
//	    'cfgm': [host1],
//	    'compute': [host2],
//	}
//	env.passwords = {
//	    host1: 'secret',
//	    host2: 'secret',
//	}
//
// Only top level string assignments and the env.roledefs and env.passwords
// literals are read; everything else in the file is carried untouched.
// Role lists keep their order. "controller" may be used instead of "cfgm".
// Other roledefs do not produce members.
package topology

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"boxforge/internal/failure"
	"boxforge/internal/naming"

	"gopkg.in/yaml.v3"
)

// Role keys of the testbed roledefs.
const (
	KeyConfig     = "cfgm"
	KeyController = "controller"
	KeyCompute    = "compute"
)

const (
	roledefsName  = "env.roledefs"
	passwordsName = "env.passwords"
)

// Member is one host of the cluster.
type Member struct {
	Role string
	// Key is the host string as written in the testbed, user@address.
	Key      string
	User     string
	Address  string
	Password string
}

// Topology is a parsed testbed. It is not modified after Load.
type Topology struct {
	Members []Member
	// Source is the testbed exactly as read. It is what the coordinator gets.
	Source []byte
	// Path is where Source was read from; empty for Parse.
	Path string
}

// Load reads and parses the testbed at path.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, parseError(fmt.Errorf("failed to read testbed: %w", err))
	}

	topo, err := Parse(data)
	if err != nil {
		return nil, err
	}
	topo.Path = path
	return topo, nil
}

// Parse parses a testbed. It does not check that the role images exist.
func Parse(data []byte) (*Topology, error) {
	tokens, err := tokenize(string(data))
	if err != nil {
		return nil, parseError(err)
	}
	module := scan(tokens)

	if module.roledefs.tokens == nil {
		return nil, parseError(errors.New("env.roledefs is not assigned"))
	}
	rolesNode, err := literal(module.roledefs)
	if err != nil {
		return nil, parseError(fmt.Errorf("env.roledefs: %w", err))
	}
	roles, err := roleLists(rolesNode)
	if err != nil {
		return nil, parseError(err)
	}

	passwords := map[string]string{}
	if module.passwords.tokens != nil {
		node, err := literal(module.passwords)
		if err != nil {
			return nil, parseError(fmt.Errorf("env.passwords: %w", err))
		}
		if err := node.Decode(&passwords); err != nil {
			return nil, parseError(fmt.Errorf("env.passwords must map hosts to passwords (line %d)", node.Line))
		}
	}

	controllers, hasCfgm := roles[KeyConfig]
	if alias, ok := roles[KeyController]; ok {
		if hasCfgm {
			return nil, parseError(fmt.Errorf("roledefs name both %q and %q", KeyConfig, KeyController))
		}
		controllers = alias
	}
	if len(controllers) == 0 {
		return nil, parseError(errors.New("roledefs need at least one controller to act as coordinator"))
	}

	topo := &Topology{Source: append([]byte(nil), data...)}
	for _, group := range []struct {
		role  string
		hosts []string
	}{
		{naming.RoleController, controllers},
		{naming.RoleCompute, roles[KeyCompute]},
	} {
		for i, host := range group.hosts {
			member, err := parseMember(group.role, host, passwords)
			if err != nil {
				return nil, parseError(fmt.Errorf("%s entry %d: %w", group.role, i, err))
			}
			topo.Members = append(topo.Members, member)
		}
	}
	return topo, nil
}

// roleLists decodes the roledefs mapping, keeping each list in source order.
func roleLists(node *yaml.Node) (map[string][]string, error) {
	roles := make(map[string][]string)
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("env.roledefs must be a dict (line %d)", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if _, dup := roles[key.Value]; dup {
			return nil, fmt.Errorf("role %q is defined twice (line %d)", key.Value, key.Line)
		}
		var hosts []string
		if err := value.Decode(&hosts); err != nil {
			return nil, fmt.Errorf("role %q must be a list of user@address entries (line %d)", key.Value, value.Line)
		}
		roles[key.Value] = hosts
	}
	return roles, nil
}

func parseMember(role, host string, passwords map[string]string) (Member, error) {
	user, address, ok := strings.Cut(host, "@")
	if !ok || user == "" {
		return Member{}, fmt.Errorf("host %q is not of the form user@address", host)
	}
	if net.ParseIP(address) == nil {
		return Member{}, fmt.Errorf("host %q has no valid IP address", host)
	}
	password, ok := passwords[host]
	if !ok {
		return Member{}, fmt.Errorf("no password for host %q", host)
	}
	return Member{Role: role, Key: host, User: user, Address: address, Password: password}, nil
}

func parseError(err error) error {
	return failure.New(failure.TopologyParseError, "load topology", err)
}

// ByRole returns the members of role in testbed order.
func (t *Topology) ByRole(role string) []Member {
	var out []Member
	for _, m := range t.Members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Controllers returns the controller members in testbed order.
func (t *Topology) Controllers() []Member {
	return t.ByRole(naming.RoleController)
}

// Computes returns the compute members in testbed order.
func (t *Topology) Computes() []Member {
	return t.ByRole(naming.RoleCompute)
}
